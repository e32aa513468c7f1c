// Package notify delivers signing invitations and completion notices.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Validate checks the recipient and that there is a body.
func (m Message) Validate() error {
	if _, err := mail.ParseAddress(m.To); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", m.To, err)
	}
	if m.Text == "" && m.HTML == "" {
		return errors.New("message has no body")
	}
	return nil
}

// Mailer sends a message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// Fallback tries Primary and, if it fails, Secondary. Only when both fail is
// an error returned.
type Fallback struct {
	Primary   Mailer
	Secondary Mailer
	Logger    *slog.Logger
}

func (f *Fallback) Send(ctx context.Context, msg Message) error {
	err := f.Primary.Send(ctx, msg)
	if err == nil {
		return nil
	}
	if f.Secondary == nil {
		return err
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "primary mailer failed, trying secondary", "error", err)

	if err2 := f.Secondary.Send(ctx, msg); err2 != nil {
		return errors.Join(fmt.Errorf("primary: %w", err), fmt.Errorf("secondary: %w", err2))
	}
	return nil
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	Logger *slog.Logger
}

func (l *LogMailer) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "mail not delivered (no transport configured)",
		"to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}
