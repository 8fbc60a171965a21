package notify

import (
	"context"
	"log/slog"
)

// ConsoleSender writes notifications to the log instead of SMTP. Used
// when EMAIL_ENABLED is off, so dry runs show exactly what would have
// been mailed.
type ConsoleSender struct {
	logger *slog.Logger
}

// NewConsoleSender builds a log-backed sender.
func NewConsoleSender(logger *slog.Logger) *ConsoleSender {
	return &ConsoleSender{logger: logger}
}

// Send logs the message and reports success.
func (c *ConsoleSender) Send(ctx context.Context, to []string, subject, body string) error {
	c.logger.Info("email delivery disabled, logging instead",
		slog.Any("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}
