package opal

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with opal-specific context.
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
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithBucket adds a bucket field to the logger.
func (l *Logger) WithBucket(bucket string) *Logger {
	return &Logger{
		Logger: l.Logger.With("bucket", bucket),
	}
}

// WithURI adds a blob URI field to the logger.
func (l *Logger) WithURI(uri string) *Logger {
	return &Logger{
		Logger: l.Logger.With("uri", uri),
	}
}

// LogStore logs a store operation.
func (l *Logger) LogStore(ctx context.Context, bucket, key string, size int64, dedupHit bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "store failed",
			"bucket", bucket,
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "store completed",
			"bucket", bucket,
			"key", key,
			"size", size,
			"dedup_hit", dedupHit,
		)
	}
}

// LogRetrieve logs a retrieve operation.
func (l *Logger) LogRetrieve(ctx context.Context, bucket, key string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "retrieve failed",
			"bucket", bucket,
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "retrieve completed",
			"bucket", bucket,
			"key", key,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, bucket, key string, blobRemoved bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"bucket", bucket,
			"key", key,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"bucket", bucket,
			"key", key,
			"blob_removed", blobRemoved,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, kind string, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"kind", kind,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"kind", kind,
			"results", resultsFound,
		)
	}
}

// LogRecovery logs an index rebuild after open.
func (l *Logger) LogRecovery(ctx context.Context, entries int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index recovery failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "index recovery completed",
			"entries", entries,
		)
	}
}
