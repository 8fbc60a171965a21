package logging

import (
	"log/slog"
	"os"
	"testing"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     slog.Level
	}{
		{
			name:     "DEBUG level",
			envValue: "DEBUG",
			want:     slog.LevelDebug,
		},
		{
			name:     "debug level lowercase",
			envValue: "debug",
			want:     slog.LevelDebug,
		},
		{
			name:     "INFO level",
			envValue: "INFO",
			want:     slog.LevelInfo,
		},
		{
			name:     "WARN level",
			envValue: "WARN",
			want:     slog.LevelWarn,
		},
		{
			name:     "WARNING level",
			envValue: "WARNING",
			want:     slog.LevelWarn,
		},
		{
			name:     "ERROR level",
			envValue: "ERROR",
			want:     slog.LevelError,
		},
		{
			name:     "empty string defaults to INFO",
			envValue: "",
			want:     slog.LevelInfo,
		},
		{
			name:     "invalid value defaults to INFO",
			envValue: "INVALID",
			want:     slog.LevelInfo,
		},
		{
			name:     "whitespace only defaults to INFO",
			envValue: "  ",
			want:     slog.LevelInfo,
		},
		{
			name:     "value with whitespace",
			envValue: "  DEBUG  ",
			want:     slog.LevelDebug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			originalValue := os.Getenv("LOG_LEVEL")
			defer os.Setenv("LOG_LEVEL", originalValue)

			if tt.envValue != "" {
				os.Setenv("LOG_LEVEL", tt.envValue)
			} else {
				os.Unsetenv("LOG_LEVEL")
			}

			got := Level()
			if got != tt.want {
				t.Errorf("Level() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_NotSet(t *testing.T) {
	originalValue := os.Getenv("LOG_LEVEL")
	defer func() {
		if originalValue != "" {
			os.Setenv("LOG_LEVEL", originalValue)
		}
	}()

	os.Unsetenv("LOG_LEVEL")

	if got := Level(); got != slog.LevelInfo {
		t.Errorf("Level() with unset LOG_LEVEL = %v, want %v", got, slog.LevelInfo)
	}
}
