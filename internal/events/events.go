// Package events carries job and worker lifecycle notifications from the pool
// to any number of host subscribers.
package events

import (
	"encoding/json"
	"time"
)

// Type enumerates the event kinds the pool emits.
type Type string

const (
	TypeStarted    Type = "started"
	TypeMessage    Type = "message"
	TypeComplete   Type = "complete"
	TypeError      Type = "error"
	TypeWorkerExit Type = "worker:exit"
)

// Started announces that a job left the queue and reached a worker.
type Started struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
}

// Message relays one engine result message, verbatim, in production order.
type Message struct {
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// Complete is the authoritative terminal signal for a job. No further events
// are emitted for a jobId after its Complete.
type Complete struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Error reports a job failure for a session. For engine errors and worker
// crashes it precedes the Complete carrying status "failed".
type Error struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// WorkerExit reports an unexpected worker process exit.
type WorkerExit struct {
	WorkerID string `json:"workerId"`
	Code     int    `json:"code"`
	Signal   string `json:"signal,omitempty"`
}

// Event is the envelope delivered to subscribers. IDs are assigned in publish
// order so late subscribers can resume from a snapshot.
type Event struct {
	ID   int64     `json:"id"`
	Type Type      `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload, one of the structs above
}
