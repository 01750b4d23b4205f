package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
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

// LogTaskStart logs the beginning of a graph task.
func LogTaskStart(logger *slog.Logger, name string) {
	logger.Debug("task started", "task", name)
}

// LogTaskComplete logs successful task completion.
func LogTaskComplete(logger *slog.Logger, name string, duration time.Duration) {
	logger.Debug("task completed",
		"task", name,
		"duration_ms", duration.Milliseconds(),
	)
}

// LogTaskError logs a task failure.
func LogTaskError(logger *slog.Logger, name string, duration time.Duration, err error) {
	logger.Error("task failed",
		"task", name,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogRunSummary logs the outcome of a whole stacking run.
func LogRunSummary(logger *slog.Logger, total, failed int, duration time.Duration) {
	if failed > 0 {
		logger.Error("run finished with failed tasks",
			"tasks", total,
			"failed", failed,
			"duration_human", duration.String(),
		)
		return
	}
	logger.Info("run finished",
		"tasks", total,
		"duration_human", duration.String(),
	)
}
