package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// NtfyPusher posts short alerts to an ntfy topic so a phone buzzes the
// moment a slot opens, independent of email delivery.
type NtfyPusher struct {
	topicURL   string
	httpClient *http.Client
	logger     *slog.Logger
	maxRetries int
}

// NtfyConfig holds configuration for the ntfy pusher.
type NtfyConfig struct {
	TopicURL   string
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// NewNtfyPusher creates an ntfy pusher.
func NewNtfyPusher(cfg NtfyConfig) *NtfyPusher {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &NtfyPusher{
		topicURL:   cfg.TopicURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
		maxRetries: cfg.MaxRetries,
	}
}

// Push sends one alert with retry logic.
func (c *NtfyPusher) Push(ctx context.Context, title, message string) error {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s, etc.
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			c.logger.DebugContext(ctx, "retrying push alert",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", c.maxRetries),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := c.pushOnce(ctx, title, message)
		if err == nil {
			c.logger.DebugContext(ctx, "push alert sent",
				slog.Int("attempt", attempt+1),
			)
			return nil
		}

		lastErr = err
		c.logger.WarnContext(ctx, "failed to send push alert",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("failed to send push alert after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *NtfyPusher) pushOnce(ctx context.Context, title, message string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.topicURL, bytes.NewBufferString(message))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "text/plain")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status code %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
