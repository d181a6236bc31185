package envconfig

import (
	"log/slog"
	"testing"
)

func TestConfig(t *testing.T) {
	t.Setenv("INN_DEBUG", "")
	LoadConfig()
	if Debug {
		t.Errorf("expected debug to be off")
	}

	t.Setenv("INN_DEBUG", "false")
	LoadConfig()
	if Debug {
		t.Errorf("expected debug to be off")
	}

	t.Setenv("INN_DEBUG", "1")
	LoadConfig()
	if !Debug {
		t.Errorf("expected debug to be on")
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"0":     slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.LevelDebug - 4,
		"yes":   slog.LevelDebug,
	}

	for value, expected := range cases {
		t.Setenv("INN_DEBUG", value)
		LoadConfig()
		if LogLevel != expected {
			t.Errorf("%q: expected %v but got %v", value, expected, LogLevel)
		}
		if Debug != (expected <= slog.LevelDebug) {
			t.Errorf("%q: expected debug %v", value, !Debug)
		}
	}
}

func TestSeed(t *testing.T) {
	t.Setenv("INN_SEED", "42")
	LoadConfig()
	if Seed != 42 {
		t.Errorf("expected seed 42 but got %v", Seed)
	}

	t.Setenv("INN_SEED", "not-a-seed")
	LoadConfig()
	if Seed == 0 {
		t.Errorf("expected a time based seed for an invalid setting")
	}
}

func TestPowerIterations(t *testing.T) {
	cases := map[string]int{
		"":      defaultPowerIterations,
		"3":     3,
		"0":     defaultPowerIterations,
		"-2":    defaultPowerIterations,
		"abc":   defaultPowerIterations,
		"\"5\"": 5,
	}

	for value, expected := range cases {
		t.Setenv("INN_POWER_ITERATIONS", value)
		LoadConfig()
		if PowerIterations != expected {
			t.Errorf("%q: expected %v but got %v", value, expected,
				PowerIterations)
		}
	}
}

func TestValues(t *testing.T) {
	t.Setenv("INN_DEBUG", "true")
	t.Setenv("INN_SEED", "7")
	t.Setenv("INN_POWER_ITERATIONS", "4")
	LoadConfig()

	expected := map[string]string{
		"INN_DEBUG":            "DEBUG",
		"INN_SEED":             "7",
		"INN_POWER_ITERATIONS": "4",
	}
	vals := Values()
	if len(vals) != len(AsMap()) {
		t.Errorf("expected %v values but got %v", len(AsMap()), len(vals))
	}
	for k, v := range expected {
		if vals[k] != v {
			t.Errorf("%v: expected %q but got %q", k, v, vals[k])
		}
	}
}
