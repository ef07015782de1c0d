// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/metrics"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/google/uuid"
)

// OutcomeKind classifies how a command ended.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeOK
	OutcomeFailed
	// OutcomeRequeue tells the issuer to resubmit later; it is not a protocol error.
	OutcomeRequeue
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomePending:
		return "pending"
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Outcome is the resolution of a Command.
type Outcome struct {
	Kind   OutcomeKind
	Status int
	Text   string
	// Err is set when the command failed without a reply (connection closed).
	Err error
}

func (o Outcome) String() string {
	if o.Kind == OutcomeFailed {
		return fmt.Sprintf("failed(%d)", o.Status)
	}
	return o.Kind.String()
}

// outcomeFromReply maps a reply status to an outcome.
func outcomeFromReply(r protocol.Reply) Outcome {
	switch {
	case r.Status == protocol.StatusRequeue:
		return Outcome{Kind: OutcomeRequeue, Status: r.Status, Text: r.Text}
	case r.OK():
		return Outcome{Kind: OutcomeOK, Status: r.Status, Text: r.Text}
	default:
		return Outcome{Kind: OutcomeFailed, Status: r.Status, Text: r.Text}
	}
}

// Hook is invoked once when a command resolves.
type Hook func(cmd *Command, out Outcome)

// Command is one outbound request awaiting one reply. It belongs to exactly
// one Connection for its whole life.
type Command struct {
	id      string
	text    string
	conn    *Connection
	hook    Hook
	created time.Time
	sentAt  time.Time

	outcome  Outcome
	resolved bool
}

func newCommand(conn *Connection, text string, hook Hook, now time.Time) *Command {
	return &Command{
		id:      uuid.NewString(),
		text:    text,
		conn:    conn,
		hook:    hook,
		created: now,
	}
}

// ID returns the command's correlation id.
func (c *Command) ID() string { return c.id }

// Text returns the payload line.
func (c *Command) Text() string { return c.text }

// Verb returns the first token of the payload.
func (c *Command) Verb() string {
	verb, _, _ := strings.Cut(c.text, " ")
	return verb
}

// Connection returns the owning connection.
func (c *Command) Connection() *Connection { return c.conn }

// Outcome returns the resolution, OutcomePending until resolved.
func (c *Command) Outcome() Outcome { return c.outcome }

// Resolved reports whether resolve has run.
func (c *Command) Resolved() bool { return c.resolved }

// resolve records the outcome and runs the hook exactly once. A panicking
// hook is logged and swallowed so the owning queue stays consistent.
func (c *Command) resolve(out Outcome, now time.Time) {
	if c.resolved {
		return
	}
	c.resolved = true
	c.outcome = out
	metrics.RecordCommandResolved(c.Verb(), out.Kind.String(), now.Sub(c.created))

	if c.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.IncCommandHookPanic()
			logger := log.WithComponent("block")
			logger.Error().
				Str(log.FieldEvent, "command.hook_panic").
				Str(log.FieldCommandID, c.id).
				Str(log.FieldCommand, c.text).
				Interface("panic", r).
				Msg("command completion hook panicked")
		}
	}()
	c.hook(c, out)
}
