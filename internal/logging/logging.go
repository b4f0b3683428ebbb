// Package logging configures the process-wide slog logger and hands out
// loggers pre-scoped to a pipeline stage, worker, slot range or blob.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string `yaml:"format"` // "json" | "text"
	Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
}

// Setup installs a logger writing to stdout as the slog default.
func Setup(cfg Config) {
	slog.SetDefault(New(cfg, os.Stdout))
}

// New builds a logger for cfg writing to w.
func New(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRunID returns a random UUID that tags every upload of one collector run.
func NewRunID() string {
	return uuid.New().String()
}

// Component returns a logger for one pipeline component.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}

// WorkerLogger scopes a component logger to one worker.
func WorkerLogger(component string, workerID int) *slog.Logger {
	return Component(component).With("worker_id", workerID)
}

// BatchLogger scopes a logger to one uploaded slot range of a run.
func BatchLogger(runID string, firstSlot, lastSlot uint64) *slog.Logger {
	return Component("collector").With(
		"run_id", runID,
		"first_slot", firstSlot,
		"last_slot", lastSlot,
	)
}

// FileLogger scopes a component logger to work on a single blob.
func FileLogger(component string, workerID int, name string) *slog.Logger {
	return WorkerLogger(component, workerID).With("file", name)
}
