package logutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/samuelfneumann/inn/envconfig"
)

func TestNewLoggerTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)

	previous := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(previous)

	Trace("power iteration", "sigma", 1.5)

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("expected TRACE level in %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go") {
		t.Errorf("expected trimmed source file in %q", out)
	}
	if !strings.Contains(out, "sigma=1.5") {
		t.Errorf("expected attribute in %q", out)
	}
}

func TestTraceDisabled(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(NewLogger(&buf, slog.LevelInfo))
	defer slog.SetDefault(previous)

	Trace("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output below the enabled level, got %q",
			buf.String())
	}
}

func TestLevel(t *testing.T) {
	t.Setenv("INN_DEBUG", "1")
	envconfig.LoadConfig()
	if Level() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", Level())
	}

	t.Setenv("INN_DEBUG", "0")
	envconfig.LoadConfig()
	if Level() != slog.LevelInfo {
		t.Errorf("expected info level, got %v", Level())
	}

	t.Setenv("INN_DEBUG", "2")
	envconfig.LoadConfig()
	if Level() != LevelTrace {
		t.Errorf("expected trace level, got %v", Level())
	}
}

func TestTraceFromEnvironment(t *testing.T) {
	t.Setenv("INN_DEBUG", "2")
	envconfig.LoadConfig()

	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(NewLogger(&buf, Level()))
	defer slog.SetDefault(previous)

	TraceContext(context.Background(), "fixed point", "iterations", 3)

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") ||
		!strings.Contains(out, "iterations=3") {
		t.Errorf("expected a trace record in %q", out)
	}
	if !strings.Contains(out, "source=logutil_test.go") {
		t.Errorf("expected the caller's file as source in %q", out)
	}
}
