// Package observability provides the zap logger builder and Prometheus
// metrics for the arbiter Scheduler and Core processes.
package observability

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// BuildLogger constructs a zap.Logger with the given level and format.
// Format "console" builds a development config; anything else builds the
// production JSON config. Output always goes to stderr: on the stdio
// transport the Core's stdout carries IPC frames and must stay clean.
func BuildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// MustLogger is BuildLogger for entrypoints: on failure it prints to stderr
// and exits 1.
func MustLogger(level, format string) *zap.Logger {
	log, err := BuildLogger(level, format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	return log
}
