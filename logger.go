package docindex

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with docindex-specific context.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithIndex adds an index field to the logger.
func (l *Logger) WithIndex(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("index", name),
	}
}

// WithExecutor adds an executor field to the logger.
func (l *Logger) WithExecutor(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("executor", name),
	}
}

// LogWrite logs a document write.
func (l *Logger) LogWrite(ctx context.Context, op, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, op+" completed",
			"key", key,
		)
	}
}

// LogIndexChange logs an index lifecycle operation.
func (l *Logger) LogIndexChange(ctx context.Context, op, name string, err error) {
	if err != nil {
		l.ErrorContext(ctx, op+" failed",
			"index", name,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, op+" completed",
			"index", name,
		)
	}
}
