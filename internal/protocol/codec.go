package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes protocol envelopes as newline-delimited JSON. It is safe for
// concurrent use: a worker's job goroutine and its control loop share one
// stdout, so frames must never interleave.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// EncodeRequest validates and writes a manager → worker envelope.
func (e *Encoder) EncodeRequest(req *Request) error {
	switch req.Type {
	case RequestJob, RequestAbort, RequestShutdown:
	default:
		return fmt.Errorf("unknown request type: %q", req.Type)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// EncodeResponse validates and writes a worker → manager envelope.
func (e *Encoder) EncodeResponse(resp *Response) error {
	if err := validateResponse(resp); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

// Decoder reads protocol envelopes from a newline-delimited JSON stream.
type Decoder struct {
	dec *json.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields() // Strict parsing
	return &Decoder{dec: dec}
}

// DecodeRequest reads the next manager → worker envelope. Returns io.EOF once
// the stream is exhausted.
func (d *Decoder) DecodeRequest() (*Request, error) {
	var req Request
	if err := d.dec.Decode(&req); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode request: %w", err)
	}

	switch req.Type {
	case RequestJob, RequestAbort, RequestShutdown:
	case "":
		return nil, fmt.Errorf("request missing required field: type")
	default:
		return nil, fmt.Errorf("unknown request type: %q", req.Type)
	}
	return &req, nil
}

// DecodeResponse reads the next worker → manager envelope. Returns io.EOF once
// the stream is exhausted.
func (d *Decoder) DecodeResponse() (*Response, error) {
	var resp Response
	if err := d.dec.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := validateResponse(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func validateResponse(resp *Response) error {
	switch resp.Type {
	case ResponseReady, ResponseShutdownAck:
	case ResponseMessage:
		if resp.SessionID == "" {
			return fmt.Errorf("message response missing sessionId")
		}
	case ResponseComplete:
		if resp.Status != StatusSuccess && resp.Status != StatusFailed {
			return fmt.Errorf("invalid complete status: %q (must be %q or %q)",
				resp.Status, StatusSuccess, StatusFailed)
		}
	case ResponseError:
		if resp.Error == "" {
			return fmt.Errorf("error response has no error message")
		}
	case "":
		return fmt.Errorf("response missing required field: type")
	default:
		return fmt.Errorf("unknown response type: %q", resp.Type)
	}
	return nil
}
