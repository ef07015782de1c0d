// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package notify delivers operator mail.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/rs/zerolog"
)

// ErrNoRecipients is returned when a message has nobody to go to.
var ErrNoRecipients = errors.New("no recipients")

// Mailer sends one message.
type Mailer interface {
	Send(ctx context.Context, subject, body string, recipients []string) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	Logger zerolog.Logger
}

// NewLogMailer returns a mailer that only logs.
func NewLogMailer() *LogMailer {
	return &LogMailer{Logger: log.WithComponent("notify")}
}

func (m *LogMailer) Send(_ context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	m.Logger.Info().
		Str(log.FieldEvent, "mail.logged").
		Strs("to", recipients).
		Str("subject", subject).
		Int("body_len", len(body)).
		Msg("mail not sent, no SMTP server configured")
	return nil
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Addr     string
	From     string
	Username string
	Password string
}

// SMTPMailer sends through an SMTP relay.
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer returns a mailer for cfg.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

func (m *SMTPMailer) Send(ctx context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	var auth smtp.Auth
	if m.cfg.Username != "" {
		host, _, err := net.SplitHostPort(m.cfg.Addr)
		if err != nil {
			return fmt.Errorf("smtp addr %q: %w", m.cfg.Addr, err)
		}
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, host)
	}
	msg := compose(m.cfg.From, recipients, subject, body, time.Now())

	done := make(chan error, 1)
	go func() { done <- m.send(m.cfg.Addr, auth, m.cfg.From, recipients, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("smtp send: %w", ctx.Err())
	}
}

// compose renders an RFC 5322 message. Header values are stripped of line
// breaks.
func compose(from string, to []string, subject, body string, date time.Time) []byte {
	clean := strings.NewReplacer("\r", " ", "\n", " ")
	var b strings.Builder
	b.WriteString("From: " + clean.Replace(from) + "\r\n")
	b.WriteString("To: " + clean.Replace(strings.Join(to, ", ")) + "\r\n")
	b.WriteString("Subject: " + clean.Replace(subject) + "\r\n")
	b.WriteString("Date: " + date.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
