package session

import (
	"errors"
	"fmt"
)

// ErrAborted is returned by [Manager.Connect] when [Manager.Disconnect] was
// called before the session became active.
var ErrAborted = errors.New("session: connect aborted")

// PermissionError reports that the microphone could not be acquired. The
// session returns to IDLE and is not retried.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("session: microphone unavailable: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// HandshakeError reports that the remote session could not be established,
// including attempts rejected by an open circuit breaker. Callers may retry
// with another Connect.
type HandshakeError struct {
	Provider string
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("session: connect %s: %v", e.Provider, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportSendError wraps a failed best-effort send of one capture chunk.
// It is logged and counted, never returned to callers.
type TransportSendError struct {
	Err error
}

func (e *TransportSendError) Error() string {
	return fmt.Sprintf("session: send audio: %v", e.Err)
}

func (e *TransportSendError) Unwrap() error { return e.Err }

// UnrecoverableStreamError reports a fatal remote error, or the end of
// capture, that forced the session to CLOSED.
type UnrecoverableStreamError struct {
	Err error
}

func (e *UnrecoverableStreamError) Error() string {
	return fmt.Sprintf("session: stream failed: %v", e.Err)
}

func (e *UnrecoverableStreamError) Unwrap() error { return e.Err }
