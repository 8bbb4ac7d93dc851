package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ActiveStack/gateway/worker"
)

// setupLogger builds the process logger. The returned LevelVar lets the
// control channel change the level at runtime.
func setupLogger(level, format string, w io.Writer) (*slog.Logger, *slog.LevelVar) {
	levelVar := new(slog.LevelVar)
	if parsed, err := worker.ParseLevel(level); err == nil {
		levelVar.Set(parsed)
	}

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: strings.EqualFold(level, "debug"),
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
	), levelVar
}
