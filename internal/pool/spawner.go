package pool

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/stoker/internal/protocol"
)

// terminationGracePeriod is the time between SIGTERM and SIGKILL when the
// manager terminates a worker.
const terminationGracePeriod = 5 * time.Second

// ExitStatus describes how a worker process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// WorkerProcess is the manager's handle on one isolated worker. The real
// implementation wraps an OS process; tests substitute in-memory fakes.
type WorkerProcess interface {
	ID() string
	// Send writes one protocol request to the worker.
	Send(req *protocol.Request) error
	// Responses yields the worker's protocol responses in order. The channel
	// closes when the worker's output stream ends.
	Responses() <-chan *protocol.Response
	// Exited delivers exactly one ExitStatus when the process ends.
	Exited() <-chan ExitStatus
	// Kill requests termination: SIGTERM, then SIGKILL after a grace period.
	Kill()
}

// Spawner creates worker processes.
type Spawner interface {
	Spawn() (WorkerProcess, error)
}

// ProcSpawner launches the worker binary with a dedicated stdin/stdout
// protocol channel per worker. Worker stderr passes through to the daemon's
// stderr so worker logs stay visible.
type ProcSpawner struct {
	binary string
	args   []string
	logger *slog.Logger
}

func NewProcSpawner(binary string, args []string, logger *slog.Logger) *ProcSpawner {
	return &ProcSpawner{
		binary: binary,
		args:   args,
		logger: logger.With("component", "spawner"),
	}
}

func (s *ProcSpawner) Spawn() (WorkerProcess, error) {
	id := "w-" + uuid.NewString()[:8]

	cmd := exec.Command(s.binary, s.args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	s.logger.Info("worker spawned", "worker_id", id, "pid", cmd.Process.Pid)

	w := &procWorker{
		id:     id,
		cmd:    cmd,
		enc:    protocol.NewEncoder(stdin),
		stdin:  stdin,
		resps:  make(chan *protocol.Response, 64),
		exited: make(chan ExitStatus, 1),
		done:   make(chan struct{}),
		logger: s.logger.With("worker_id", id),
	}
	go w.readLoop(stdout)
	go w.waitLoop()
	return w, nil
}

type procWorker struct {
	id     string
	cmd    *exec.Cmd
	enc    *protocol.Encoder
	stdin  io.WriteCloser
	resps  chan *protocol.Response
	exited chan ExitStatus
	done   chan struct{}
	logger *slog.Logger

	killOnce sync.Once
}

func (w *procWorker) ID() string                           { return w.id }
func (w *procWorker) Responses() <-chan *protocol.Response { return w.resps }
func (w *procWorker) Exited() <-chan ExitStatus            { return w.exited }

func (w *procWorker) Send(req *protocol.Request) error {
	return w.enc.EncodeRequest(req)
}

func (w *procWorker) Kill() {
	w.killOnce.Do(func() {
		_ = w.stdin.Close()
		if w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}
		go func() {
			grace := time.NewTimer(terminationGracePeriod)
			defer grace.Stop()
			select {
			case <-w.done:
			case <-grace.C:
				w.logger.Warn("worker ignored SIGTERM, sending SIGKILL")
				if w.cmd.Process != nil {
					_ = w.cmd.Process.Kill()
				}
			}
		}()
	})
}

func (w *procWorker) readLoop(stdout io.Reader) {
	dec := protocol.NewDecoder(stdout)
	for {
		resp, err := dec.DecodeResponse()
		if err != nil {
			if err != io.EOF {
				w.logger.Warn("worker response stream broken", "error", err)
			}
			close(w.resps)
			return
		}
		w.resps <- resp
	}
}

func (w *procWorker) waitLoop() {
	err := w.cmd.Wait()

	status := ExitStatus{}
	if exitErr, ok := err.(*exec.ExitError); ok {
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	} else if err != nil {
		status.Code = -1
	}

	close(w.done)
	w.exited <- status
	close(w.exited)
}
