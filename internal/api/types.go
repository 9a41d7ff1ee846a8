package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is the outcome of a request that reached the server.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
	BodyErr    error // set when the body was cut short
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err describes a non-2xx response, including the body when present.
func (r Response) Err() error {
	status := r.Status
	if status == "" {
		status = fmt.Sprintf("%d", r.StatusCode)
	}
	if r.BodyErr != nil {
		status = fmt.Sprintf("%s (read body: %v)", status, r.BodyErr)
	}
	msg := strings.TrimSpace(string(r.Body))
	if msg != "" {
		return fmt.Errorf("request failed: %s: %s", status, msg)
	}
	return fmt.Errorf("request failed: %s", status)
}

// ConnectionError wraps failures where no response was received
// (refused, unreachable, timeout, cancelled).
type ConnectionError struct {
	Method string
	URL    string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// State is the toggle value served by the state endpoint.
// Value holds JSON strings by their text and anything else by its compact
// JSON encoding, so values compare as plain strings.
type State struct {
	Value     string `json:"-"`
	Timestamp string `json:"-"`
}

type stateWire struct {
	Value     json.RawMessage `json:"value"`
	Timestamp string          `json:"timestamp"`
}

// UnmarshalJSON decodes {"value": <any>, "timestamp": "<string>"}.
func (s *State) UnmarshalJSON(data []byte) error {
	var w stateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	value, err := stateValueString(w.Value)
	if err != nil {
		return err
	}
	s.Value = value
	s.Timestamp = w.Timestamp
	return nil
}

// MarshalJSON encodes the value back as a JSON string.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value     string `json:"value"`
		Timestamp string `json:"timestamp"`
	}{s.Value, s.Timestamp})
}

func stateValueString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("state value missing")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SetStateRequest is the body accepted by POST on the state endpoint.
type SetStateRequest struct {
	Value any `json:"value"`
}
