// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package notify

import (
	"context"
	"errors"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by Enqueue when the backlog is full.
var ErrQueueFull = errors.New("mail queue full")

type message struct {
	subject    string
	body       string
	recipients []string
}

// Queue hands messages to a Mailer from its own goroutine so callers on the
// block loop never wait for SMTP.
type Queue struct {
	mailer  Mailer
	timeout time.Duration
	ch      chan message
	logger  zerolog.Logger
}

// NewQueue returns a queue of size backlog in front of mailer.
func NewQueue(mailer Mailer, backlog int) *Queue {
	if backlog <= 0 {
		backlog = 32
	}
	return &Queue{
		mailer:  mailer,
		timeout: 30 * time.Second,
		ch:      make(chan message, backlog),
		logger:  log.WithComponent("notify"),
	}
}

// Send implements Mailer by queueing. It fails only when the backlog is full.
func (q *Queue) Send(_ context.Context, subject, body string, recipients []string) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	select {
	case q.ch <- message{subject: subject, body: body, recipients: recipients}:
		return nil
	default:
		q.logger.Warn().
			Str(log.FieldEvent, "mail.dropped").
			Str("subject", subject).
			Msg("mail queue full")
		return ErrQueueFull
	}
}

// Run delivers queued messages until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-q.ch:
			q.deliver(ctx, m)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, m message) {
	sendCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	if err := q.mailer.Send(sendCtx, m.subject, m.body, m.recipients); err != nil {
		q.logger.Error().
			Str(log.FieldEvent, "mail.failed").
			Strs("to", m.recipients).
			Str("subject", m.subject).
			Err(err).
			Msg("mail delivery failed")
		return
	}
	q.logger.Info().
		Str(log.FieldEvent, "mail.sent").
		Strs("to", m.recipients).
		Str("subject", m.subject).
		Msg("mail sent")
}
