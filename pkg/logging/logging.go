// Package logging builds the zap logger shared by the server components.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the level, encoding and destination of the logger.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	// Output is a zap sink: "stderr", "stdout" or a file path.
	Output string
}

// New returns a logger for opts. Empty fields select info, console and stderr.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		if s == "warning" {
			s = "warn"
		}
		l, err := zapcore.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	switch format {
	case "":
		format = "console"
	case "json", "console":
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	output := opts.Output
	if output == "" {
		output = "stderr"
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = format
	cfg.Sampling = nil
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	cfg.OutputPaths = []string{output}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}
