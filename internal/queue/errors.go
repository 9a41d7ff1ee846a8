package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when the queue is used before Connect.
	ErrNotConnected = errors.New("queue: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: closed")
)

// TransientDeliveryError marks a failure that is expected to clear on retry:
// connection errors, timeouts and 5xx responses. Send never returns it; the
// snapshot is queued instead.
type TransientDeliveryError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient delivery failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError marks a request the collector rejected (4xx). Send
// returns it without queueing; a queued entry that gets one stops Flush.
type PermanentDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("permanent delivery failure (status %d): %v", e.StatusCode, e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// UnrecoverableError wraps failures that are neither transient nor a
// collector verdict: encoding errors, unexpected transport errors, and
// 1xx/3xx responses that survived the client's redirect handling. Queued
// entries that fail without a response are dropped.
type UnrecoverableError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *UnrecoverableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("unrecoverable delivery failure (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("unrecoverable delivery failure: %v", e.Err)
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// StorageError reports a failure to load or persist the queue file.
type StorageError struct {
	Op   string // load, save, delete
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("queue storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient delivery failure.
func IsTransient(err error) bool {
	var t *TransientDeliveryError
	return errors.As(err, &t)
}
