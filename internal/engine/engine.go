// Package engine defines the boundary to the external query engine. The pool
// treats the engine as an opaque capability: given a prompt and options it
// produces a lazy stream of structured result messages that ends by
// exhaustion, cancellation, or error.
package engine

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/mattjoyce/stoker/internal/engine Engine,Stream

// Options mirrors the invocation options supplied by the host with a job.
type Options struct {
	CWD            string
	Model          string
	Resume         string
	PermissionMode string
}

// Query is one end-to-end engine invocation for a session.
type Query struct {
	SessionID string
	Prompt    string
	Options   Options
}

// Stream yields engine result messages in production order. Next returns
// io.EOF when the engine is exhausted, the query context's error when the
// query was cancelled, and any other error when the engine failed. Close
// releases the underlying resources and is safe to call more than once.
type Stream interface {
	Next() (json.RawMessage, error)
	Close() error
}

// Engine starts queries. Cancelling ctx requests cooperative termination of
// the returned stream; the stream observes it at message boundaries.
type Engine interface {
	Query(ctx context.Context, q Query) (Stream, error)
}
