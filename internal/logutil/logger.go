// Package logutil wraps slog.Logger with graph stage specific fields.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/time/rate"
)

// Logger wraps slog.Logger with consistent field names.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that writes human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger creates a Logger that writes JSON to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(1000)}))
}

// OrNoop returns l, or a NoopLogger if l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return NoopLogger()
	}
	return l
}

// WithComponent adds a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.With("component", name)}
}

// WithModel adds the model location.
func (l *Logger) WithModel(location string) *Logger {
	return &Logger{Logger: l.With("model", location)}
}

// WithEpoch adds an epoch field.
func (l *Logger) WithEpoch(epoch int) *Logger {
	return &Logger{Logger: l.With("epoch", epoch)}
}

// LogLoad logs a model load.
func (l *Logger) LogLoad(ctx context.Context, kind string, nodes, variables int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "model load failed",
			"kind", kind,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "model loaded",
		"kind", kind,
		"nodes", nodes,
		"variables", variables,
	)
}

// LogExecution logs one graph execution.
func (l *Logger) LogExecution(ctx context.Context, fetches, targets []string, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "graph execution failed",
			"fetches", fetches,
			"targets", targets,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "graph executed",
		"fetches", fetches,
		"targets", targets,
		"elapsed", elapsed,
	)
}

// LogPlanCompiled logs the compilation of an execution plan.
func (l *Logger) LogPlanCompiled(ctx context.Context, key string, coreNodes, hostNodes int) {
	l.DebugContext(ctx, "execution plan compiled",
		"plan", key,
		"core_nodes", coreNodes,
		"host_nodes", hostNodes,
	)
}

// LogBatchSkipped warns about a trailing partial batch that is not trained on.
func (l *Logger) LogBatchSkipped(ctx context.Context, batchSize, rows int) {
	l.WarnContext(ctx, "not training on the last batch",
		"batch_size", batchSize,
		"rows", rows,
	)
}

// LogEpoch logs the metrics of a finished epoch.
func (l *Logger) LogEpoch(ctx context.Context, epoch int, loss, metric float64, batches int) {
	l.InfoContext(ctx, "epoch completed",
		"epoch", epoch,
		"loss", loss,
		"metric", metric,
		"batches", batches,
	)
}

// LogCheckpoint logs a checkpoint save or restore.
func (l *Logger) LogCheckpoint(ctx context.Context, op, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint failed",
			"op", op,
			"path", path,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "checkpoint completed",
		"op", op,
		"path", path,
	)
}

// LogModelUpdate logs the replacement of a model on disk.
func (l *Logger) LogModelUpdate(ctx context.Context, path, archive string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "failed to serialize retrained model to disk",
			"path", path,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "model updated on disk",
		"path", path,
		"archive", archive,
	)
}

// LogSession logs a session state change.
func (l *Logger) LogSession(ctx context.Context, state, dir string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "session transition failed",
			"state", state,
			"dir", dir,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "session state changed",
		"state", state,
		"dir", dir,
	)
}

// Progress emits throttled progress logs from long loops.
type Progress struct {
	l     *Logger
	msg   string
	every rate.Sometimes
}

// NewProgress logs msg at most once per interval, and always for the first call.
func (l *Logger) NewProgress(msg string, interval time.Duration) *Progress {
	return &Progress{l: l, msg: msg, every: rate.Sometimes{First: 1, Interval: interval}}
}

// Log reports progress if the throttle allows it.
func (p *Progress) Log(ctx context.Context, done, total int) {
	p.every.Do(func() {
		p.l.InfoContext(ctx, p.msg,
			"done", done,
			"total", total,
		)
	})
}
