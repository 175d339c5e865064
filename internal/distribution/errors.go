package distribution

import "errors"

var (
	// ErrQueueFull is recorded when a session's queue overflows.
	ErrQueueFull = errors.New("distribution: session queue full")

	// ErrSessionClosed is recorded when the transport reports the session gone.
	ErrSessionClosed = errors.New("distribution: session closed")
)
