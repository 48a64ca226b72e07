package opobserve

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with consistent field names for store operations.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. If handler is nil, a
// text handler to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithCollection tags the logger with a collection name.
func (l *Logger) WithCollection(name string) *Logger {
	return &Logger{Logger: l.Logger.With("collection", name)}
}

// LogUpsert logs a write operation.
func (l *Logger) LogUpsert(ctx context.Context, collection, id string, version uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upsert failed",
			"collection", collection,
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "upsert completed",
			"collection", collection,
			"id", id,
			"version", version,
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, collection, id string, found bool) {
	l.DebugContext(ctx, "delete completed",
		"collection", collection,
		"id", id,
		"found", found,
	)
}

// LogQuery logs a query through the retrieval pipeline.
func (l *Logger) LogQuery(ctx context.Context, collection string, k, results int, cached bool, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "query failed",
			"collection", collection,
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "query completed",
			"collection", collection,
			"k", k,
			"results", results,
			"cached", cached,
			"elapsed", elapsed,
		)
	}
}

// LogCompaction logs a compaction run.
func (l *Logger) LogCompaction(ctx context.Context, collection string, removed int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"collection", collection,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"collection", collection,
			"removed", removed,
			"elapsed", elapsed,
		)
	}
}

// LogSnapshot logs a snapshot export or restore.
func (l *Logger) LogSnapshot(ctx context.Context, collection, blob string, records int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot failed",
			"collection", collection,
			"blob", blob,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshot completed",
			"collection", collection,
			"blob", blob,
			"records", records,
		)
	}
}
