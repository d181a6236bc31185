// Package envconfig reads process-wide defaults from the environment
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// Set via INN_DEBUG in the environment
	Debug bool
	// Log level selected by INN_DEBUG: 1 or true for debug, 2 for trace
	LogLevel slog.Level
	// Set via INN_SEED in the environment. Defaults to the current time.
	Seed uint64
	// Set via INN_POWER_ITERATIONS in the environment
	PowerIterations int
)

const defaultPowerIterations = 1

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"INN_DEBUG":            {"INN_DEBUG", LogLevel, "Show additional debug information (INN_DEBUG=1, or 2 for trace)"},
		"INN_SEED":             {"INN_SEED", Seed, "Seed for default-seeded layers (default: current time)"},
		"INN_POWER_ITERATIONS": {"INN_POWER_ITERATIONS", PowerIterations, "Power-iteration steps per spectral norm evaluation (default 1)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	LoadConfig()
}

// LoadConfig (re)reads every variable from the environment
func LoadConfig() {
	LogLevel = slog.LevelInfo
	if debug := clean("INN_DEBUG"); debug != "" {
		if d, err := strconv.ParseBool(debug); err == nil {
			if d {
				LogLevel = slog.LevelDebug
			}
		} else if n, err := strconv.ParseInt(debug, 10, 64); err == nil {
			// Each step lowers the level by 4: 2 is trace
			LogLevel = slog.Level(n * -4)
		} else {
			LogLevel = slog.LevelDebug
		}
	}
	Debug = LogLevel <= slog.LevelDebug

	Seed = uint64(time.Now().UnixNano())
	if seed := clean("INN_SEED"); seed != "" {
		s, err := strconv.ParseUint(seed, 10, 64)
		if err != nil {
			slog.Error("invalid setting, ignoring", "INN_SEED", seed, "error", err)
		} else {
			Seed = s
		}
	}

	PowerIterations = defaultPowerIterations
	if iters := clean("INN_POWER_ITERATIONS"); iters != "" {
		n, err := strconv.Atoi(iters)
		if err != nil || n < 1 {
			slog.Error("invalid setting, ignoring", "INN_POWER_ITERATIONS", iters, "error", err)
		} else {
			PowerIterations = n
		}
	}
}
