package mailx

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"
)

// Mailer delivers transactional mail. Implementations must be safe for
// concurrent use.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer sends mail over plain SMTP with AUTH.
type SMTPMailer struct {
	cfg Config
	log *slog.Logger

	// send is swapped in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer from config.
func NewSMTPMailer(cfg Config, log *slog.Logger) *SMTPMailer {
	return &SMTPMailer{
		cfg:  cfg,
		log:  log,
		send: smtp.SendMail,
	}
}

// Send builds an RFC 5322 message and submits it. The context deadline is
// honoured by running the submission in a goroutine; SMTP itself has no
// context hook.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	msg := buildMessage(m.cfg.From, to, subject, body)
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.cfg.From, []string{to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send mail: %w", err)
		}
		m.log.Debug("mail sent", "to", to, "subject", subject)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to send mail: %w", ctx.Err())
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// LogMailer writes the mail to the log instead of delivering it. Used in
// development and tests when no SMTP server is configured.
type LogMailer struct {
	log *slog.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer(log *slog.Logger) *LogMailer {
	return &LogMailer{log: log}
}

// Send logs the message and returns nil.
func (m *LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.log.Info("mail (log only)", "to", to, "subject", subject, "body", body)
	return nil
}
