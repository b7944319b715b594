package session

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification surfaced to callers. UI code switches
// on the kind; the message is for humans.
type Kind string

const (
	// KindNotConnected means a call was attempted with no live transport.
	KindNotConnected Kind = "not_connected"

	// KindTimeout means no response arrived within the call's deadline.
	KindTimeout Kind = "timeout"

	// KindRemote means the agent explicitly reported failure.
	KindRemote Kind = "remote"

	// KindTransport covers low-level connect/send/read failures. Retryable.
	KindTransport Kind = "transport"

	// KindInvalidCredentials covers malformed or rejected auth. Never retried
	// automatically.
	KindInvalidCredentials Kind = "invalid_credentials"
)

// Error is the structured error returned by every manager operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("session: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same kind, so callers can use errors.Is
// against the exported sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is checks. Returned errors carry richer messages but
// always match one of these by kind.
var (
	ErrNotConnected       = &Error{Kind: KindNotConnected, Message: "no live connection"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "call timed out"}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
)

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the kind from err, or KindTransport for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransport
}

// retryable reports whether the automatic reconnect policy applies to err.
// Policy-violation style rejections (bad credentials) must never retry.
func retryable(err error) bool {
	return KindOf(err) != KindInvalidCredentials
}
