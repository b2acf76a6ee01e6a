package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/c360/wsbridge/config"
)

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	// Validate already rejected unknown names.
	logLevel, _ := config.ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
