package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// SMTPTransport sends email over a configured SMTP relay. Grounded on
// stdlib net/smtp rather than a third-party client: no example repo in the
// pack imports an email library, so there is nothing in the corpus to
// imitate here beyond the standard library's own smtp.SendMail.
type SMTPTransport struct {
	host, port, user, password, from string
	logger                           zerolog.Logger
}

// NewSMTPTransport builds an SMTPTransport. Returns nil if host is unset,
// so callers can treat "no SMTP configured" as "no transport" uniformly.
func NewSMTPTransport(host, port, user, password, from string, logger zerolog.Logger) *SMTPTransport {
	if host == "" {
		return nil
	}
	return &SMTPTransport{
		host: host, port: port, user: user, password: password, from: from,
		logger: logger.With().Str("transport", "smtp").Logger(),
	}
}

func (t *SMTPTransport) Name() string { return "smtp" }

func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if msg.RecipientEmail == "" {
		return fmt.Errorf("smtp: no recipient email on alert %s", msg.AlertID)
	}

	addr := fmt.Sprintf("%s:%s", t.host, t.port)
	var auth smtp.Auth
	if t.user != "" {
		auth = smtp.PlainAuth("", t.user, t.password, t.host)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", t.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.RecipientEmail)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, t.from, []string{msg.RecipientEmail}, []byte(b.String()))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", msg.RecipientEmail, err)
		}
		return nil
	}
}
