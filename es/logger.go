package es

import (
	"context"
	"log/slog"
)

// Logger provides a minimal interface for observability and debugging.
// Components treat a nil Logger as disabled, so logging costs nothing unless configured.
type Logger interface {
	// Debug logs verbose operational details.
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs significant events during normal execution.
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs failures that require attention.
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}

// SlogLogger adapts a *slog.Logger to Logger.
type SlogLogger struct {
	log *slog.Logger
}

// NewSlogLogger wraps log. A nil log falls back to slog.Default().
func NewSlogLogger(log *slog.Logger) *SlogLogger {
	if log == nil {
		log = slog.Default()
	}
	return &SlogLogger{log: log}
}

// Debug implements Logger.
func (l *SlogLogger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	l.log.DebugContext(ctx, msg, keyvals...)
}

// Info implements Logger.
func (l *SlogLogger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	l.log.InfoContext(ctx, msg, keyvals...)
}

// Error implements Logger.
func (l *SlogLogger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	l.log.ErrorContext(ctx, msg, keyvals...)
}

// With returns a logger that adds keyvals to every record.
func (l *SlogLogger) With(keyvals ...interface{}) *SlogLogger {
	return &SlogLogger{log: l.log.With(keyvals...)}
}

var _ Logger = (*SlogLogger)(nil)
