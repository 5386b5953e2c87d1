package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// StringToLevel converts a configuration string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch levelStr {
	case "DEBUG", "debug":
		return slog.LevelDebug, nil
	case "INFO", "info", "":
		return slog.LevelInfo, nil
	case "WARN", "warn", "WARNING", "warning":
		return slog.LevelWarn, nil
	case "ERROR", "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// LevelToString converts slog.Level to its configuration string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// Initialize sets the process-wide default slog logger to a JSON handler
// writing to stdout, and additionally to logFile when non-empty. It should be
// called early in startup; stages derive component loggers from the default.
func Initialize(levelStr, logFile string) {
	level, err := StringToLevel(levelStr)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to INFO",
			"configured_level", levelStr)
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			slog.Warn("failed to create log directory", "error", err)
		} else if f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err != nil {
			slog.Warn("failed to open log file, logging to stdout only",
				"log_file", logFile, "error", err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))

	slog.Info("logging initialized", "log_level", LevelToString(level))
}
