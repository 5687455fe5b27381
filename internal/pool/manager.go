// Package pool owns a fixed-size set of isolated worker processes, a FIFO
// queue of pending jobs, and the crash-recovery logic that keeps the pool at
// its target size. Failures never surface as errors from the public
// operations; everything the host needs to know arrives as lifecycle events.
package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/protocol"
)

// JobRequest is the host's description of one query-engine invocation.
// Immutable once submitted.
type JobRequest struct {
	SessionID string
	Prompt    string
	Options   protocol.JobOptions
}

// QueuedJob is a FIFO entry awaiting an idle worker.
type QueuedJob struct {
	JobID   string
	Request JobRequest
}

// Status is a derived snapshot of the pool; it is never persisted.
type Status struct {
	Total  int `json:"total"`
	Idle   int `json:"idle"`
	Active int `json:"active"`
	Queued int `json:"queued"`
}

// Config sizes and times the pool.
type Config struct {
	// Size is the target worker count; the pool respawns toward it after
	// crashes until shutdown begins.
	Size int
	// ReadyTimeout bounds Start's wait for worker readiness.
	ReadyTimeout time.Duration
}

type workerStatus int

const (
	workerIdle workerStatus = iota
	workerBusy
)

type activeJob struct {
	jobID     string
	sessionID string
}

type workerState struct {
	proc   WorkerProcess
	status workerStatus
	job    *activeJob

	ready     chan struct{}
	readyOnce sync.Once

	// requested marks a manager-initiated termination so the exit is not
	// treated as a crash.
	requested bool
}

// Manager coordinates dispatch, abort, status, and shutdown for the pool.
// One mutex guards the worker table and queue: all dispatch decisions happen
// under a single writer, mirroring the event-loop ownership the design
// requires.
type Manager struct {
	cfg     Config
	spawner Spawner
	hub     *events.Hub
	logger  *slog.Logger

	mu        sync.Mutex
	workers   map[string]*workerState
	queue     []QueuedJob
	nextJobID int64

	stopping    bool
	stopPending bool
	stopped     chan struct{}
	stopOnce    sync.Once

	wg sync.WaitGroup
}

func NewManager(cfg Config, spawner Spawner, hub *events.Hub, logger *slog.Logger) *Manager {
	if cfg.Size <= 0 {
		cfg.Size = 2
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		spawner: spawner,
		hub:     hub,
		logger:  logger.With("component", "pool"),
		workers: make(map[string]*workerState),
		stopped: make(chan struct{}),
	}
}

// Start spawns the configured number of workers and waits for readiness,
// bounded by the ready timeout. Startup is best-effort: if some workers are
// not ready in time the pool proceeds degraded rather than failing.
func (m *Manager) Start() {
	m.logger.Info("starting pool", "size", m.cfg.Size)

	var spawned []*workerState
	for i := 0; i < m.cfg.Size; i++ {
		ws, err := m.spawnWorker()
		if err != nil {
			m.logger.Error("failed to spawn worker", "error", err)
			continue
		}
		spawned = append(spawned, ws)
	}

	deadline := time.After(m.cfg.ReadyTimeout)
	ready := 0
wait:
	for _, ws := range spawned {
		select {
		case <-ws.ready:
			ready++
		case <-deadline:
			break wait
		}
	}

	if ready < m.cfg.Size {
		m.logger.Warn("pool started degraded", "ready", ready, "size", m.cfg.Size)
		return
	}
	m.logger.Info("pool started", "ready", ready)
}

// Dispatch allocates the next jobId and either assigns the job to an idle
// worker or appends it to the FIFO queue. It is synchronous, never blocks,
// and never fails. A session with a job already in flight is queued so that
// at most one job per session runs pool-wide.
func (m *Manager) Dispatch(req JobRequest) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextJobID++
	job := QueuedJob{
		JobID:   fmt.Sprintf("job-%d", m.nextJobID),
		Request: req,
	}

	if !m.stopping && !m.sessionActiveLocked(req.SessionID) {
		if ws := m.idleWorkerLocked(); ws != nil {
			m.assignLocked(ws, job)
			return job.JobID
		}
	}

	m.queue = append(m.queue, job)
	m.logger.Debug("job queued", "job_id", job.JobID, "session_id", req.SessionID,
		"depth", len(m.queue))
	return job.JobID
}

// Abort cancels the session's job wherever it currently lives: forwarded to
// the worker running it, or removed from the queue before it ever runs.
// Unknown sessions are a silent no-op; Abort is idempotent and never errors.
func (m *Manager) Abort(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ws := range m.workers {
		if ws.job != nil && ws.job.sessionID == sessionID {
			m.logger.Info("forwarding abort", "session_id", sessionID,
				"worker_id", ws.proc.ID())
			if err := ws.proc.Send(&protocol.Request{
				Type:      protocol.RequestAbort,
				SessionID: sessionID,
			}); err != nil {
				m.logger.Error("failed to forward abort", "session_id", sessionID,
					"error", err)
			}
			return
		}
	}

	for i, job := range m.queue {
		if job.Request.SessionID == sessionID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			m.logger.Info("removed queued job", "job_id", job.JobID,
				"session_id", sessionID)
			return
		}
	}
}

// Stop begins shutdown and returns a channel that closes once every worker
// has been told to terminate. With force, workers are terminated immediately.
// Without force, the channel closes only after every busy worker drains to
// idle; completion events resolve the wait, never polling.
func (m *Manager) Stop(force bool) <-chan struct{} {
	m.mu.Lock()
	m.stopping = true

	if force || m.busyCountLocked() == 0 {
		m.terminateAllLocked()
		m.mu.Unlock()
		m.stopOnce.Do(func() { close(m.stopped) })
		return m.stopped
	}

	m.logger.Info("draining pool", "active", m.busyCountLocked())
	m.stopPending = true
	m.mu.Unlock()
	return m.stopped
}

// GetStatus returns a point-in-time snapshot with no side effects.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := m.busyCountLocked()
	return Status{
		Total:  len(m.workers),
		Idle:   len(m.workers) - active,
		Active: active,
		Queued: len(m.queue),
	}
}

// Wait blocks until all worker watch goroutines have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) spawnWorker() (*workerState, error) {
	proc, err := m.spawner.Spawn()
	if err != nil {
		return nil, err
	}

	ws := &workerState{
		proc:   proc,
		status: workerIdle,
		ready:  make(chan struct{}),
	}

	m.mu.Lock()
	m.workers[proc.ID()] = ws
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(ws)
	return ws, nil
}

// watch is the per-worker relay: it forwards protocol responses into events
// and detects process exit. It ends when the process does.
func (m *Manager) watch(ws *workerState) {
	defer m.wg.Done()

	resps := ws.proc.Responses()
	for {
		select {
		case resp, ok := <-resps:
			if !ok {
				// Output stream closed; the exit status is still coming.
				resps = nil
				continue
			}
			m.handleResponse(ws, resp)
		case exit := <-ws.proc.Exited():
			m.handleExit(ws, exit)
			return
		}
	}
}

func (m *Manager) handleResponse(ws *workerState, resp *protocol.Response) {
	switch resp.Type {
	case protocol.ResponseReady:
		ws.readyOnce.Do(func() { close(ws.ready) })

	case protocol.ResponseMessage:
		m.hub.Publish(events.TypeMessage, events.Message{
			SessionID: resp.SessionID,
			Data:      resp.Data,
		})

	case protocol.ResponseComplete:
		m.finishJob(ws, resp.Status, "")

	case protocol.ResponseError:
		m.mu.Lock()
		terminal := ws.job != nil && (resp.JobID == "" || resp.JobID == ws.job.jobID)
		m.mu.Unlock()

		m.hub.Publish(events.TypeError, events.Error{
			SessionID: resp.SessionID,
			Error:     resp.Error,
		})
		if terminal {
			m.finishJob(ws, protocol.StatusFailed, resp.Error)
		}

	case protocol.ResponseShutdownAck:
		m.logger.Debug("worker acknowledged shutdown", "worker_id", ws.proc.ID())
	}
}

// finishJob frees the worker, emits the terminal complete event, and lets the
// queue drain into the newly idle worker.
func (m *Manager) finishJob(ws *workerState, status protocol.Status, errMsg string) {
	m.mu.Lock()
	job := ws.job
	if job == nil {
		m.mu.Unlock()
		return
	}
	ws.job = nil
	ws.status = workerIdle
	m.mu.Unlock()

	m.hub.Publish(events.TypeComplete, events.Complete{
		JobID:     job.jobID,
		SessionID: job.sessionID,
		Status:    string(status),
		Error:     errMsg,
	})

	m.mu.Lock()
	m.drainLocked()
	m.mu.Unlock()

	m.checkStop()
}

// handleExit implements crash recovery: report the exit, fail the orphaned
// job so no caller waits forever, replace the worker unless shutting down,
// and re-evaluate a pending graceful stop.
func (m *Manager) handleExit(ws *workerState, exit ExitStatus) {
	m.mu.Lock()
	delete(m.workers, ws.proc.ID())
	requested := ws.requested
	job := ws.job
	ws.job = nil
	stopping := m.stopping
	m.mu.Unlock()

	if requested {
		m.checkStop()
		return
	}

	m.logger.Warn("worker exited unexpectedly", "worker_id", ws.proc.ID(),
		"code", exit.Code, "signal", exit.Signal)
	m.hub.Publish(events.TypeWorkerExit, events.WorkerExit{
		WorkerID: ws.proc.ID(),
		Code:     exit.Code,
		Signal:   exit.Signal,
	})

	if job != nil {
		errMsg := fmt.Sprintf("worker exited unexpectedly (code %d)", exit.Code)
		m.hub.Publish(events.TypeError, events.Error{
			SessionID: job.sessionID,
			Error:     errMsg,
		})
		m.hub.Publish(events.TypeComplete, events.Complete{
			JobID:     job.jobID,
			SessionID: job.sessionID,
			Status:    string(protocol.StatusFailed),
			Error:     errMsg,
		})
	}

	if !stopping {
		if _, err := m.spawnWorker(); err != nil {
			m.logger.Error("failed to spawn replacement worker", "error", err)
		}
		m.mu.Lock()
		m.drainLocked()
		m.mu.Unlock()
	}

	m.checkStop()
}

// drainLocked dispatches queued jobs to idle workers in strict FIFO order.
// Draining halts at a head whose session is still active elsewhere; it
// becomes eligible when that job completes.
func (m *Manager) drainLocked() {
	for len(m.queue) > 0 && !m.stopping {
		head := m.queue[0]
		if m.sessionActiveLocked(head.Request.SessionID) {
			return
		}
		ws := m.idleWorkerLocked()
		if ws == nil {
			return
		}
		m.queue = m.queue[1:]
		m.assignLocked(ws, head)
	}
}

func (m *Manager) assignLocked(ws *workerState, job QueuedJob) {
	ws.status = workerBusy
	ws.job = &activeJob{jobID: job.JobID, sessionID: job.Request.SessionID}

	opts := job.Request.Options
	if err := ws.proc.Send(&protocol.Request{
		Type:      protocol.RequestJob,
		JobID:     job.JobID,
		SessionID: job.Request.SessionID,
		Prompt:    job.Request.Prompt,
		Options:   &opts,
	}); err != nil {
		// The worker's channel is broken; its exit will surface through crash
		// recovery, which fails this job and respawns.
		m.logger.Error("failed to send job", "job_id", job.JobID,
			"worker_id", ws.proc.ID(), "error", err)
	}

	m.logger.Info("job dispatched", "job_id", job.JobID,
		"session_id", job.Request.SessionID, "worker_id", ws.proc.ID())
	m.hub.Publish(events.TypeStarted, events.Started{
		JobID:     job.JobID,
		SessionID: job.Request.SessionID,
	})
}

// checkStop resolves a pending graceful stop once the last busy worker is
// idle.
func (m *Manager) checkStop() {
	m.mu.Lock()
	if !m.stopPending || m.busyCountLocked() > 0 {
		m.mu.Unlock()
		return
	}
	m.stopPending = false
	m.terminateAllLocked()
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stopped) })
}

// terminateAllLocked asks every worker to exit: a best-effort shutdown
// message so jobs are cancelled cleanly, then the kill escalation.
func (m *Manager) terminateAllLocked() {
	for _, ws := range m.workers {
		ws.requested = true
		_ = ws.proc.Send(&protocol.Request{Type: protocol.RequestShutdown})
		ws.proc.Kill()
	}
	m.logger.Info("pool stopped", "workers", len(m.workers))
}

func (m *Manager) idleWorkerLocked() *workerState {
	for _, ws := range m.workers {
		if ws.status == workerIdle && !ws.requested {
			return ws
		}
	}
	return nil
}

func (m *Manager) sessionActiveLocked(sessionID string) bool {
	for _, ws := range m.workers {
		if ws.job != nil && ws.job.sessionID == sessionID {
			return true
		}
	}
	return false
}

func (m *Manager) busyCountLocked() int {
	n := 0
	for _, ws := range m.workers {
		if ws.status == workerBusy {
			n++
		}
	}
	return n
}
