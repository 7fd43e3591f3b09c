package common

import (
	"log/slog"
	"os"
)

// LoggingOpts configures the process-wide structured logger.
type LoggingOpts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
}

// SetupLogger builds a slog.Logger writing to stderr. Every record carries the
// service and version attributes so that a single log line can be attributed
// to the tool and build that produced it.
func SetupLogger(opts *LoggingOpts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	return logger
}
