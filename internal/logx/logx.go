// Package logx attaches stable, de-duplicated log fields to a context's
// logger, following the teacher's pattern of annotating via .With(...)
// rather than interpolating identifiers into message strings.
package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/rtxshell/schema"
)

type contextKey int

const sessionKey contextKey = iota

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID == "" {
		return log
	}
	if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
		return log
	}
	return log.With("session", sessionID)
}

// WithCommand annotates the logger with a command id.
func WithCommand(log pslog.Logger, id schema.CommandID) pslog.Logger {
	if id == "" {
		return log
	}
	return log.With("command", id)
}

// WithViewer annotates the logger with a viewer id.
func WithViewer(log pslog.Logger, id schema.ViewerID) pslog.Logger {
	if id == "" {
		return log
	}
	return log.With("viewer", id)
}

// ContextWithSession stores the session marker on the context so nested
// loggers don't repeat the field.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}
