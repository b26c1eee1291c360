package dynembed

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with table-specific context.
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

// WithTable adds a table field to the logger.
func (l *Logger) WithTable(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", name),
	}
}

// WithShard adds a shard field to the logger.
func (l *Logger) WithShard(id int) *Logger {
	return &Logger{
		Logger: l.Logger.With("shard", id),
	}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{
		Logger: l.Logger.With("count", count),
	}
}

// LogCapacity logs a rejected insert.
func (l *Logger) LogCapacity(ctx context.Context, err *CapacityError) {
	l.ErrorContext(ctx, "capacity exceeded",
		"table", err.Table,
		"shard", err.Shard,
		"key", err.Key,
		"max_capacity", err.MaxCapacity,
	)
}

// LogGrowth logs a shard store growth.
func (l *Logger) LogGrowth(ctx context.Context, shard, from, to int) {
	l.DebugContext(ctx, "shard grown",
		"shard", shard,
		"from", from,
		"to", to,
	)
}

// LogEviction logs keys evicted from a shard.
func (l *Logger) LogEviction(ctx context.Context, shard, evicted int) {
	l.DebugContext(ctx, "keys evicted",
		"shard", shard,
		"evicted", evicted,
	)
}

// LogAssign logs a bulk assign.
func (l *Logger) LogAssign(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "assign failed",
			"count", count,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "assign completed",
			"count", count,
		)
	}
}

// LogExport logs an export.
func (l *Logger) LogExport(ctx context.Context, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "export failed",
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "export completed",
			"count", count,
		)
	}
}

// LogCreate logs table construction.
func (l *Logger) LogCreate(ctx context.Context, dimension int, mode string, shards int) {
	l.InfoContext(ctx, "table created",
		"dimension", dimension,
		"mode", mode,
		"shards", shards,
	)
}

// LogTeardown logs table teardown.
func (l *Logger) LogTeardown(ctx context.Context, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "teardown failed",
			"size", size,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "table torn down",
			"size", size,
		)
	}
}

// LogCheckpoint logs a checkpoint save or restore.
func (l *Logger) LogCheckpoint(ctx context.Context, op string, id uint64, keys int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"op", op,
			"checkpoint_id", id,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint completed",
			"op", op,
			"checkpoint_id", id,
			"keys", keys,
		)
	}
}
