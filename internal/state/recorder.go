package state

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mattjoyce/stoker/internal/events"
)

// Recorder keeps the session registry current by following pool events:
// message events may carry the engine's session handle, complete events pin
// the last job a session ran.
type Recorder struct {
	store  *Store
	logger *slog.Logger
}

func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With("component", "state"),
	}
}

// Run consumes events until ctx is cancelled or the subscription closes.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev events.Event) {
	switch ev.Type {
	case events.TypeMessage:
		var msg events.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		handle := engineSessionFrom(msg.Data)
		if handle == "" {
			return
		}
		if err := r.store.Touch(ctx, msg.SessionID, handle, ""); err != nil {
			r.logger.Error("failed to record engine session", "session_id", msg.SessionID,
				"error", err)
		}

	case events.TypeComplete:
		var c events.Complete
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return
		}
		if err := r.store.Touch(ctx, c.SessionID, "", c.JobID); err != nil {
			r.logger.Error("failed to record completion", "session_id", c.SessionID,
				"error", err)
		}
	}
}

// engineSessionFrom extracts the engine's session handle from a result
// message, if the message carries one. The engine is opaque; session_id is
// the one field we peek at, and only here.
func engineSessionFrom(data json.RawMessage) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}
