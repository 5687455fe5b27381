package protocol

import "encoding/json"

// RequestType enumerates manager → worker messages.
type RequestType string

const (
	RequestJob      RequestType = "job"
	RequestAbort    RequestType = "abort"
	RequestShutdown RequestType = "shutdown"
)

// ResponseType enumerates worker → manager messages.
type ResponseType string

const (
	ResponseReady       ResponseType = "ready"
	ResponseMessage     ResponseType = "message"
	ResponseComplete    ResponseType = "complete"
	ResponseError       ResponseType = "error"
	ResponseShutdownAck ResponseType = "shutdown_ack"
)

// Status is the terminal outcome carried by a complete response.
// An aborted job reports StatusSuccess: cancellation is a designed outcome,
// not a failure, and the wire format does not distinguish it from running to
// exhaustion.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// JobOptions carries the engine invocation options supplied by the host.
type JobOptions struct {
	CWD            string `json:"cwd,omitempty"`
	Model          string `json:"model,omitempty"`
	Resume         string `json:"resume,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// Request is the envelope written to a worker's stdin, one JSON object per line.
type Request struct {
	Type      RequestType `json:"type"`
	JobID     string      `json:"jobId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Prompt    string      `json:"prompt,omitempty"`
	Options   *JobOptions `json:"options,omitempty"`
}

// Response is the envelope read from a worker's stdout, one JSON object per line.
// Data carries an engine message verbatim; the worker never inspects it.
type Response struct {
	Type      ResponseType    `json:"type"`
	JobID     string          `json:"jobId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Status    Status          `json:"status,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}
