package memgov

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with governor-specific helpers.
// This provides structured logging with consistent field names.
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
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithPool adds a pool field to the logger.
func (l *Logger) WithPool(poolID string) *Logger {
	return &Logger{
		Logger: l.Logger.With("pool", poolID),
	}
}

// LogEviction logs an eviction. Evictions are always logged at Info.
func (l *Logger) LogEviction(ctx context.Context, poolID, reason string, items int, bytes int64) {
	l.InfoContext(ctx, "eviction",
		"pool", poolID,
		"reason", reason,
		"items", items,
		"bytes", bytes,
	)
}

// LogLODChange logs a level-of-detail transition.
func (l *Logger) LogLODChange(ctx context.Context, from, to string, pressure float64, forced bool) {
	l.InfoContext(ctx, "level of detail changed",
		"from", from,
		"to", to,
		"pressure", pressure,
		"forced", forced,
	)
}

// LogPressureResponse logs a graduated pressure response.
func (l *Logger) LogPressureResponse(ctx context.Context, severity string, pressure float64, evicted, compressed int64) {
	l.WarnContext(ctx, "pressure response",
		"severity", severity,
		"pressure", pressure,
		"evicted_bytes", evicted,
		"compressed_saved_bytes", compressed,
	)
}

// LogWorkerFallback logs a parallel clustering run that degraded to inline.
func (l *Logger) LogWorkerFallback(ctx context.Context, err error) {
	l.WarnContext(ctx, "parallel clustering failed, running inline",
		"error", err,
	)
}

// LogTraining logs a predictor training run.
func (l *Logger) LogTraining(ctx context.Context, samples int, loss float64, err error) {
	if err != nil {
		l.WarnContext(ctx, "predictor training failed",
			"samples", samples,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "predictor trained",
			"samples", samples,
			"loss", loss,
		)
	}
}
