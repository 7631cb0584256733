// Package logging wraps slog.Logger with bibauthor field names.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger so every package logs with the same field names.
type Logger struct {
	*slog.Logger
}

// New creates a Logger writing to w. format is "text" or "json".
func New(w io.Writer, level slog.Level, format string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Noop discards everything.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))}
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (use: debug, info, warn, error)", s)
	}
}

// WithBucket tags entries with a surname bucket.
func (l *Logger) WithBucket(bucket string) *Logger {
	return &Logger{Logger: l.Logger.With("bucket", bucket)}
}

// WithRun tags entries with a batch run id.
func (l *Logger) WithRun(id string) *Logger {
	return &Logger{Logger: l.Logger.With("run", id)}
}

// LogRecalculate logs the outcome of one comparison-cache rebuild.
func (l *Logger) LogRecalculate(ctx context.Context, keys, computed, reused int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recalculate failed",
			"keys", keys,
			"computed", computed,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "recalculate completed",
		"keys", keys,
		"computed", computed,
		"reused", reused,
		"elapsed", elapsed,
	)
}

// LogDocument logs a per-document diagnostic.
func (l *Logger) LogDocument(ctx context.Context, doc int64, outcome string, err error) {
	if err != nil {
		l.WarnContext(ctx, "document "+outcome,
			"doc", doc,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "document "+outcome,
		"doc", doc,
	)
}

// LogBatch logs the end of a reconciliation batch.
func (l *Logger) LogBatch(ctx context.Context, documents, failed, skipped int) {
	if failed > 0 {
		l.WarnContext(ctx, "batch completed with failures",
			"documents", documents,
			"failed", failed,
			"skipped", skipped,
		)
		return
	}
	l.InfoContext(ctx, "batch completed",
		"documents", documents,
		"skipped", skipped,
	)
}
