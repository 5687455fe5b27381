// Package worker implements the process side of the pool: a message-driven
// loop that reads protocol requests on stdin, runs query-engine jobs one at a
// time, and streams responses back on stdout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/stoker/internal/engine"
	"github.com/mattjoyce/stoker/internal/protocol"
)

// Runtime executes jobs inside one worker process. The manager guarantees at
// most one job in flight by only dispatching to idle workers; the runtime
// still rejects overlapping jobs defensively with an error response.
type Runtime struct {
	eng    engine.Engine
	enc    *protocol.Encoder
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	busy    bool

	wg sync.WaitGroup
}

func New(eng engine.Engine, out io.Writer, logger *slog.Logger) *Runtime {
	return &Runtime{
		eng:     eng,
		enc:     protocol.NewEncoder(out),
		logger:  logger.With("component", "worker"),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run announces readiness, then serves requests until the input stream closes
// or a shutdown request arrives. Abort and shutdown are handled inline so they
// take effect while a job is streaming.
func (r *Runtime) Run(in io.Reader) error {
	if err := r.send(&protocol.Response{Type: protocol.ResponseReady}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}
	r.logger.Info("worker ready")

	dec := protocol.NewDecoder(in)
	for {
		req, err := dec.DecodeRequest()
		if err == io.EOF {
			// Manager went away; cancel whatever is running and drain.
			r.cancelAll()
			r.wg.Wait()
			return nil
		}
		if err != nil {
			// The stream is owned by the manager, so a malformed frame means
			// the channel itself is broken. The decoder cannot resync past a
			// syntax error; bail out and let the manager respawn us.
			r.cancelAll()
			r.wg.Wait()
			return fmt.Errorf("read request: %w", err)
		}

		switch req.Type {
		case protocol.RequestJob:
			r.handleJob(req)
		case protocol.RequestAbort:
			r.handleAbort(req.SessionID)
		case protocol.RequestShutdown:
			r.handleShutdown()
			return nil
		}
	}
}

func (r *Runtime) handleJob(req *protocol.Request) {
	if req.SessionID == "" || req.Prompt == "" {
		// Validation failure: the job never starts.
		r.sendError(req.JobID, req.SessionID, "job request missing sessionId or prompt")
		return
	}

	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		r.sendError(req.JobID, req.SessionID, "worker is busy")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.busy = true
	r.cancels[req.SessionID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runJob(ctx, req)
}

func (r *Runtime) handleAbort(sessionID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[sessionID]
	r.mu.Unlock()
	if !ok {
		// Job already finished or never ours.
		return
	}
	r.logger.Info("aborting job", "session_id", sessionID)
	cancel()
}

func (r *Runtime) handleShutdown() {
	r.cancelAll()
	if err := r.send(&protocol.Response{Type: protocol.ResponseShutdownAck}); err != nil {
		r.logger.Error("failed to ack shutdown", "error", err)
	}
	r.logger.Info("worker shutting down")
}

// runJob consumes the engine stream sequentially, forwarding each message
// verbatim. Cancellation between messages is a successful completion, not an
// error; only engine failures produce an error response, and then no complete
// is sent.
func (r *Runtime) runJob(ctx context.Context, req *protocol.Request) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if cancel, ok := r.cancels[req.SessionID]; ok {
			delete(r.cancels, req.SessionID)
			cancel()
		}
		r.busy = false
		r.mu.Unlock()
	}()

	logger := r.logger.With("job_id", req.JobID, "session_id", req.SessionID)
	logger.Info("job started")

	q := engine.Query{
		SessionID: req.SessionID,
		Prompt:    req.Prompt,
	}
	if req.Options != nil {
		q.Options = engine.Options{
			CWD:            req.Options.CWD,
			Model:          req.Options.Model,
			Resume:         req.Options.Resume,
			PermissionMode: req.Options.PermissionMode,
		}
	}

	stream, err := r.eng.Query(ctx, q)
	if err != nil {
		logger.Error("engine query failed", "error", err)
		r.sendError(req.JobID, req.SessionID, err.Error())
		return
	}
	defer stream.Close()

	count := 0
	for {
		if ctx.Err() != nil {
			logger.Info("job cancelled", "messages", count)
			r.sendComplete(req.JobID, req.SessionID)
			return
		}

		msg, err := stream.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("job completed", "messages", count)
				r.sendComplete(req.JobID, req.SessionID)
			case errors.Is(err, context.Canceled) || ctx.Err() != nil:
				logger.Info("job cancelled", "messages", count)
				r.sendComplete(req.JobID, req.SessionID)
			default:
				logger.Error("engine error", "error", err, "messages", count)
				r.sendError(req.JobID, req.SessionID, err.Error())
			}
			return
		}

		count++
		if err := r.send(&protocol.Response{
			Type:      protocol.ResponseMessage,
			JobID:     req.JobID,
			SessionID: req.SessionID,
			Data:      msg,
		}); err != nil {
			logger.Error("failed to forward message", "error", err)
			return
		}
	}
}

func (r *Runtime) cancelAll() {
	r.mu.Lock()
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()
}

func (r *Runtime) sendComplete(jobID, sessionID string) {
	_ = r.send(&protocol.Response{
		Type:      protocol.ResponseComplete,
		JobID:     jobID,
		SessionID: sessionID,
		Status:    protocol.StatusSuccess,
	})
}

func (r *Runtime) sendError(jobID, sessionID, msg string) {
	_ = r.send(&protocol.Response{
		Type:      protocol.ResponseError,
		JobID:     jobID,
		SessionID: sessionID,
		Status:    protocol.StatusError,
		Error:     msg,
	})
}

func (r *Runtime) send(resp *protocol.Response) error {
	if err := r.enc.EncodeResponse(resp); err != nil {
		r.logger.Error("failed to write response", "type", resp.Type, "error", err)
		return err
	}
	return nil
}
