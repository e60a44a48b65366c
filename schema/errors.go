package schema

import "fmt"

// ErrorKind identifies a class of error the core surfaces to callers
// (spec §7). Agent-facing responses carry a kind and a message, never a
// stack trace.
type ErrorKind string

const (
	ErrNotConnected           ErrorKind = "not_connected"
	ErrBusy                   ErrorKind = "busy"
	ErrUnknownCommandID       ErrorKind = "unknown_command_id"
	ErrInvalidStateTransition ErrorKind = "invalid_state_transition"
	ErrTimeout                ErrorKind = "timeout"
	ErrTransportError         ErrorKind = "transport_error"
	ErrTruncatedBuffer        ErrorKind = "truncated_buffer"
	ErrServerError            ErrorKind = "server_error"
)

// Error is the structured error type returned across the core's public
// API. Kind is stable and machine-checkable; Message is for humans.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError constructs an Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf constructs an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, returning ErrServerError for any
// error that isn't a *Error (a programming fault should never reach the
// agent as a raw error).
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if se, ok := err.(*Error); ok {
		return se.Kind
	}
	return ErrServerError
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind ErrorKind) bool {
	se, ok := err.(*Error)
	return ok && se.Kind == kind
}
