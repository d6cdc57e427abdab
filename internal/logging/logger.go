// Package logging provides slog setup helpers for maapd.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup initializes the default slog logger with the given level and output.
// format selects the handler: "text" for human-readable output, anything
// else (including "") for JSON.
func Setup(level string, output io.Writer, format ...string) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}

	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	if len(format) > 0 && strings.EqualFold(format[0], "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
