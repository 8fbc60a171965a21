package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Level returns the log level from the LOG_LEVEL environment variable.
// Unset or unrecognized values default to Info.
//
// Supported values (case-insensitive): DEBUG, INFO, WARN/WARNING, ERROR.
func Level() slog.Level {
	levelStr := strings.ToUpper(strings.TrimSpace(os.Getenv("LOG_LEVEL")))

	switch levelStr {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process-wide structured logger and installs it as the
// slog default. JSON output on stdout; set LOG_FORMAT=text for a
// human-readable handler during local development.
func New() *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: Level()}

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
