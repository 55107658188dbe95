package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the bridge. Callers match with errors.Is.
var (
	ErrStartupFailed = errors.New("bridge: worker process startup failed")
	ErrUnavailable   = errors.New("bridge: worker process not available")
	ErrTerminated    = errors.New("bridge: worker process terminated")
	ErrTimeout       = errors.New("bridge: worker call timeout")
)

// WorkerError is a failure reported by the worker for a specific call. The
// traceback is kept for debug logging only.
type WorkerError struct {
	Method    string `json:"-"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *WorkerError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("worker %s failed: %s: %s", e.Method, e.Type, e.Message)
	}
	return fmt.Sprintf("worker %s failed: %s", e.Method, e.Message)
}

// UnmarshalJSON accepts both the structured form and a bare string message.
func (e *WorkerError) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Message)
	}
	type plain WorkerError
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = WorkerError(decoded)
	return nil
}

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type inbound struct {
	ID     callID          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *WorkerError    `json:"error"`
	Status string          `json:"status"`
}

// callID tolerates workers that echo ids back as numbers.
type callID string

func (c *callID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = callID(s)
		return nil
	}
	*c = callID(data)
	return nil
}
