package server

import (
	"errors"
	"fmt"
)

// Lifecycle and I/O errors reported by the server. Only bind failures escape
// to the caller of Start; the rest are contained and reported through the
// Observer.
var (
	ErrBind             = errors.New("bind failed")
	ErrAccept           = errors.New("accept failed")
	ErrSessionIO        = errors.New("session i/o failed")
	ErrBroadcastSend    = errors.New("heartbeat send failed")
	ErrDuplicateSession = errors.New("session already registered")
	ErrNilSession       = errors.New("nil session")
	ErrSessionClosed    = errors.New("session closed")
	ErrQueueFull        = errors.New("send queue full")
	ErrNotRunning       = errors.New("server not running")
	ErrAlreadyStarted   = errors.New("server already started")
)

// BindError is returned by Start when the listening socket cannot be
// created. It matches both ErrBind and the underlying network error.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to listen on %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrBind, e.Err}
}

func wrapSessionIO(err error) error {
	return fmt.Errorf("%w: %w", ErrSessionIO, err)
}
