package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/jrzesz33/teewatch/pkg/config"
)

// DefaultSMTPTimeout bounds one SMTP conversation.
const DefaultSMTPTimeout = 30 * time.Second

// SMTPSender delivers mail over plain SMTP (with STARTTLS when the
// server offers it) or implicit TLS when SSL is configured.
type SMTPSender struct {
	host    string
	port    int
	user    string
	pass    string
	from    string
	useSSL  bool
	timeout time.Duration
	logger  *slog.Logger
}

// NewSMTPSender builds a sender from the SMTP section of the config.
func NewSMTPSender(cfg config.SMTPConfig, logger *slog.Logger) *SMTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSMTPTimeout
	}
	return &SMTPSender{
		host:    cfg.Host,
		port:    cfg.Port,
		user:    cfg.User,
		pass:    cfg.Pass,
		from:    cfg.From,
		useSSL:  cfg.UseSSL,
		timeout: timeout,
		logger:  logger,
	}
}

// Send delivers one message to all recipients.
func (s *SMTPSender) Send(ctx context.Context, to []string, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	msg := buildMessage(s.from, to, subject, body)
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	auth := smtp.PlainAuth("", s.user, s.pass, s.host)

	start := time.Now()
	var err error
	if s.useSSL {
		err = s.sendTLS(addr, auth, to, msg)
	} else {
		err = smtp.SendMail(addr, auth, s.from, to, msg)
	}
	if err != nil {
		return fmt.Errorf("SMTP send via %s failed: %w", addr, err)
	}

	s.logger.Debug("email delivered",
		slog.Int("recipients", len(to)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

// sendTLS speaks SMTP over an implicit TLS connection (port 465 style).
func (s *SMTPSender) sendTLS(addr string, auth smtp.Auth, to []string, msg []byte) error {
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		ServerName: s.host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP handshake failed: %w", err)
	}
	defer client.Close()

	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP auth failed: %w", err)
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("RCPT TO %s failed: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
