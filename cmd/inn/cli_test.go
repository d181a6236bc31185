package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/samuelfneumann/inn"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := NewCLI()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestEnv(t *testing.T) {
	t.Setenv("INN_SEED", "42")

	out, err := execute(t, "env")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"INN_DEBUG", "INN_SEED",
		"INN_POWER_ITERATIONS"} {
		if !strings.Contains(out, name) {
			t.Errorf("expected %v in %q", name, out)
		}
	}
}

func TestSample(t *testing.T) {
	tests := [][]string{
		{"sample", "--dim", "3", "-n", "4", "--seed", "1"},
		{"sample", "--dim", "2", "-n", "4", "--blocks", "1", "--base",
			"laplace", "--seed", "2"},
		{"sample", "--dim", "2", "-n", "4", "--blocks", "1", "--residual",
			"--seed", "3"},
	}

	for _, args := range tests {
		out, err := execute(t, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}

		lines := strings.Split(strings.TrimSpace(out), "\n")
		if len(lines) != 5 {
			t.Errorf("%v: expected a header and 4 samples but got %q", args,
				out)
		}
		if !strings.Contains(lines[0], "LOGP") {
			t.Errorf("%v: expected a LOGP column in %q", args, lines[0])
		}
		if strings.Contains(out, "NaN") {
			t.Errorf("%v: expected finite samples but got %q", args, out)
		}
	}
}

func TestSampleInvalid(t *testing.T) {
	if _, err := execute(t, "sample", "--dim", "0"); !errors.Is(err,
		inn.ErrConfig) {
		t.Errorf("expected ErrConfig for dim 0 but got %v", err)
	}
	if _, err := execute(t, "sample", "--base", "cauchy"); !errors.Is(err,
		inn.ErrConfig) {
		t.Errorf("expected ErrConfig for an unknown base but got %v", err)
	}
}
