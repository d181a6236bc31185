// Package logutil builds the structured loggers used across the module
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/samuelfneumann/inn/envconfig"
)

// LevelTrace is below slog.LevelDebug and reports per-execution
// estimator state
const LevelTrace = slog.LevelDebug - 4

// NewLogger returns a text logger writing records at or above level
// to w. Sources are reduced to their file name.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.LevelKey:
		if level, ok := attr.Value.Any().(slog.Level); ok && level == LevelTrace {
			attr.Value = slog.StringValue("TRACE")
		}
	case slog.SourceKey:
		if source, ok := attr.Value.Any().(*slog.Source); ok {
			source.File = filepath.Base(source.File)
		}
	}
	return attr
}

// Level returns the level selected by INN_DEBUG
func Level() slog.Level { return envconfig.LogLevel }

// Trace logs msg at LevelTrace on the default logger
func Trace(msg string, args ...any) {
	trace(context.Background(), msg, args...)
}

// TraceContext is Trace with a context for the handler
func TraceContext(ctx context.Context, msg string, args ...any) {
	trace(ctx, msg, args...)
}

// trace attributes the record to the caller of Trace or TraceContext
func trace(ctx context.Context, msg string, args ...any) {
	logger := slog.Default()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}

	// Skip runtime.Callers, trace and the exported wrapper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	record := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	record.Add(args...)
	_ = logger.Handler().Handle(ctx, record)
}
