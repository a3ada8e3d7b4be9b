package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var logLevels = map[string]slog.Level{
	"error":   slog.LevelError,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"info":    slog.LevelInfo,
	"debug":   slog.LevelDebug,
}

// parseLogLevel converts a config/flag level name to a slog level.
func parseLogLevel(level string) (slog.Level, error) {
	if l, ok := logLevels[strings.ToLower(strings.TrimSpace(level))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be error, warn, info, or debug)", level)
}

// setupLogger returns a text logger on stdout.
func setupLogger(level slog.Level) *slog.Logger {
	return newLogger(os.Stdout, level)
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
