// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/metrics"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const verbPing = "ping"

// Connection is one authenticated, line-oriented link to a peer or a worker
// subprocess. Every method must be called on the loop goroutine.
type Connection struct {
	b    *Block
	id   string
	role Role
	name string
	addr string

	state      State
	stateSince time.Time
	tr         transport
	log        zerolog.Logger

	queue    []*Command
	inFlight *Command

	values       map[string][]string
	lastActivity time.Time

	liveness     time.Duration
	pollInterval time.Duration
	nextPoll     time.Time
	onPoll       func(c *Connection, now time.Time)

	forwardPhase  bool
	forwardEvents map[EventType]bool
	valueHandler  ValueHandler

	closing  bool
	closeErr error
	proc     *ProcessConnection
}

func (b *Block) newConnection(role Role, name, addr string) *Connection {
	now := b.now()
	c := &Connection{
		b:            b,
		id:           uuid.NewString(),
		role:         role,
		name:         name,
		addr:         addr,
		state:        StateDisconnected,
		stateSince:   now,
		values:       make(map[string][]string),
		lastActivity: now,
	}
	c.log = log.WithComponent("block").With().
		Str(log.FieldConnID, c.id).
		Str(log.FieldRole, string(role)).
		Str(log.FieldAddr, addr).
		Str(log.FieldPeer, name).
		Logger()
	return c
}

// ID returns the connection's correlation id.
func (c *Connection) ID() string { return c.id }

// Name returns the peer name, empty for accepted links before key exchange.
func (c *Connection) Name() string { return c.name }

// Addr returns the remote address (or pid:N for subprocesses).
func (c *Connection) Addr() string { return c.addr }

// Role returns how the connection was created.
func (c *Connection) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state }

// CloseReason returns why the connection closed, nil while it is alive.
func (c *Connection) CloseReason() error { return c.closeErr }

// Process returns the subprocess wrapper for RoleProcess connections.
func (c *Connection) Process() *ProcessConnection { return c.proc }

// QueueLen returns the number of commands waiting behind the in-flight one.
func (c *Connection) QueueLen() int { return len(c.queue) }

// InFlight returns the command awaiting its reply, if any.
func (c *Connection) InFlight() *Command { return c.inFlight }

// Value returns the latest pushed parameters for a named value.
func (c *Connection) Value(name string) ([]string, bool) {
	v, ok := c.values[name]
	return v, ok
}

// ValueFloat returns the first parameter of a named value as a float.
func (c *Connection) ValueFloat(name string) (float64, bool) {
	v, ok := c.values[name]
	if !ok || len(v) == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(v[0], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// SetValueHandler overrides the block-wide value handler for this connection.
func (c *Connection) SetValueHandler(h ValueHandler) { c.valueHandler = h }

// SetPoll installs a per-connection poll hook run from the idle tick every
// interval. A zero interval disables it.
func (c *Connection) SetPoll(interval time.Duration, fn func(c *Connection, now time.Time)) {
	c.pollInterval = interval
	c.onPoll = fn
	c.nextPoll = c.b.now().Add(interval)
}

// SetPollInterval changes the poll period without replacing the hook.
func (c *Connection) SetPollInterval(interval time.Duration) {
	c.pollInterval = interval
	c.nextPoll = c.b.now().Add(interval)
}

// SetLivenessTimeout overrides the block-wide liveness timeout for this
// connection. Zero restores the block default.
func (c *Connection) SetLivenessTimeout(d time.Duration) { c.liveness = d }

func (c *Connection) livenessTimeout() time.Duration {
	if c.liveness > 0 {
		return c.liveness
	}
	return c.b.opts.LivenessTimeout
}

// PollIn reschedules the next poll.
func (c *Connection) PollIn(d time.Duration) {
	c.nextPoll = c.b.now().Add(d)
}

// ForwardPhase makes BroadcastPhase push "phase <name>" to this peer.
func (c *Connection) ForwardPhase(on bool) { c.forwardPhase = on }

// ForwardEvents makes BroadcastEvent push "event <type> <summary>" for the
// given types (EventAny for all) to this peer.
func (c *Connection) ForwardEvents(types ...EventType) {
	if c.forwardEvents == nil {
		c.forwardEvents = make(map[EventType]bool, len(types))
	}
	for _, t := range types {
		c.forwardEvents[t] = true
	}
}

// Enqueue appends a command to the FIFO and sends it when nothing is in
// flight. Only Open dialed connections carry commands.
func (c *Connection) Enqueue(text string, hook Hook) (*Command, error) {
	if c.role != RoleOutbound {
		return nil, fmt.Errorf("%w: %s", ErrNotCommandable, c.label())
	}
	if c.state != StateOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotOpen, c.label(), c.state)
	}
	now := c.b.now()
	cmd := newCommand(c, text, hook, now)
	c.queue = append(c.queue, cmd)
	c.log.Debug().
		Str(log.FieldEvent, "command.enqueued").
		Str(log.FieldCommandID, cmd.id).
		Str(log.FieldCommand, text).
		Int("queued", len(c.queue)).
		Msg("command enqueued")
	c.sendNext(now)
	return cmd, nil
}

// SendValue pushes a named value line. Pushes need no reply.
func (c *Connection) SendValue(name string, params ...any) error {
	if c.role == RoleProcess {
		return fmt.Errorf("%w: %s", ErrNotCommandable, c.label())
	}
	if c.state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, c.label(), c.state)
	}
	return c.write(protocol.Format(name, params...))
}

// Close closes the connection locally. Pending commands fail.
func (c *Connection) Close() {
	c.closeWith(ErrLocalClose)
}

func (c *Connection) label() string {
	if c.name != "" {
		return c.name
	}
	return c.addr
}

func (c *Connection) setState(to State) bool {
	from := c.state
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		c.log.Error().
			Str(log.FieldEvent, "connection.illegal_transition").
			Str(log.FieldOldState, from.String()).
			Str(log.FieldNewState, to.String()).
			Msg("illegal connection state transition")
		return false
	}
	c.state = to
	c.stateSince = c.b.now()
	metrics.RecordConnectionTransition(string(c.role), to.String())
	c.log.Debug().
		Str(log.FieldEvent, "connection.state").
		Str(log.FieldOldState, from.String()).
		Str(log.FieldNewState, to.String()).
		Msg("connection state changed")
	return true
}

func (c *Connection) attach(tr transport) {
	c.tr = tr
	tr.start(c.b, c)
}

func (c *Connection) write(line string) error {
	if c.tr == nil {
		return fmt.Errorf("%w: no transport", ErrTransport)
	}
	if err := c.tr.writeLine(line); err != nil {
		c.closeWith(err)
		return err
	}
	return nil
}

// beginKeyExchange sends our credentials on a freshly dialed link.
func (c *Connection) beginKeyExchange() {
	if !c.setState(StateKeyExchange) {
		return
	}
	now := c.b.now()
	cmd := newCommand(c, protocol.FormatKey(c.b.opts.Name, c.b.opts.SharedKey), c.keyReply, now)
	cmd.sentAt = now
	c.inFlight = cmd
	_ = c.write(cmd.text)
}

func (c *Connection) keyReply(_ *Command, out Outcome) {
	if c.state != StateKeyExchange {
		return
	}
	if out.Kind != OutcomeOK {
		c.log.Warn().
			Str(log.FieldEvent, "connection.auth_rejected").
			Int(log.FieldStatus, out.Status).
			Str("text", out.Text).
			Msg("peer rejected our key")
		c.closeWith(fmt.Errorf("%w: %s", ErrAuth, out.Text))
		return
	}
	c.setState(StateAuthorized)
	c.markOpen()
}

func (c *Connection) markOpen() {
	if !c.setState(StateOpen) {
		return
	}
	c.log.Info().
		Str(log.FieldEvent, "connection.open").
		Str(log.FieldPeer, c.name).
		Msg("connection open")
	c.b.connectionOpened(c)
}

// handleLine dispatches one received line.
func (c *Connection) handleLine(line string) {
	if c.state.Terminal() {
		return
	}
	line = protocol.CleanLine(line)
	if c.role == RoleProcess {
		if line != "" && c.proc != nil {
			metrics.RecordLine("process")
			c.proc.handleLine(line)
		}
		return
	}
	if c.closing || line == "" {
		return
	}
	now := c.b.now()
	c.lastActivity = now

	if c.state == StateKeyExchange && c.role == RoleInbound {
		c.handleKey(line)
		return
	}
	if protocol.IsReplyLine(line) {
		metrics.RecordLine("reply")
		c.handleReply(line, now)
		return
	}
	if c.state != StateOpen {
		c.closeWith(fmt.Errorf("%w: %q before authorization", ErrProtocol, line))
		return
	}
	if c.role == RoleInbound {
		metrics.RecordLine("command")
		c.handleRequest(line)
		return
	}
	metrics.RecordLine("value")
	c.handleValue(line)
}

func (c *Connection) handleKey(line string) {
	req, err := protocol.ParseRequest(line)
	var name, key string
	if err == nil {
		name, key, err = protocol.ParseKey(req)
	}
	if err == nil && !protocol.KeyMatches(key, c.b.opts.SharedKey) {
		err = errors.New("key mismatch")
	}
	if err != nil {
		_ = c.tr.writeLine(protocol.FormatReply(protocol.StatusAuthFailed, "authorization failed"))
		c.log.Warn().
			Str(log.FieldEvent, "connection.auth_failed").
			Err(err).
			Msg("peer failed key exchange")
		c.closeWith(fmt.Errorf("%w: %v", ErrAuth, err))
		return
	}
	c.name = name
	c.log = c.log.With().Str(log.FieldPeer, name).Logger()
	c.setState(StateAuthorized)
	if err := c.write(protocol.FormatReply(protocol.StatusOK, "authorized")); err != nil {
		return
	}
	c.b.indexName(c)
	c.markOpen()
}

func (c *Connection) handleReply(line string, now time.Time) {
	reply, err := protocol.ParseReply(line)
	if err != nil {
		c.closeWith(fmt.Errorf("%w: %v", ErrProtocol, err))
		return
	}
	cmd := c.inFlight
	if cmd == nil {
		c.closeWith(fmt.Errorf("%w: reply %q with nothing in flight", ErrProtocol, line))
		return
	}
	c.inFlight = nil
	out := outcomeFromReply(reply)
	c.log.Debug().
		Str(log.FieldEvent, "command.resolved").
		Str(log.FieldCommandID, cmd.id).
		Str(log.FieldCommand, cmd.text).
		Str(log.FieldOutcome, out.String()).
		Dur("elapsed", now.Sub(cmd.sentAt)).
		Msg("command resolved")
	cmd.resolve(out, now)
	c.sendNext(now)
}

func (c *Connection) handleRequest(line string) {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		_ = c.write(protocol.FormatReply(protocol.StatusInvalidParams, err.Error()))
		return
	}
	reply := c.b.dispatchCommand(c, req)
	if reply.Text == "" {
		reply.Text = protocol.StatusText(reply.Status)
	}
	_ = c.write(protocol.FormatReply(reply.Status, reply.Text))
}

func (c *Connection) handleValue(line string) {
	req, err := protocol.ParseRequest(line)
	if err != nil {
		c.log.Debug().Err(err).Str(log.FieldLine, line).Msg("ignoring malformed value push")
		return
	}
	c.values[req.Name] = append([]string(nil), req.Params...)
	if c.b.routeValue(c, req) {
		return
	}
	metrics.RecordLine("value_unmatched")
	c.log.Debug().
		Str(log.FieldEvent, "value.unmatched").
		Str("value", req.Name).
		Msg("unmatched value push ignored")
}

func (c *Connection) sendNext(now time.Time) {
	if c.inFlight != nil || len(c.queue) == 0 || c.state != StateOpen {
		return
	}
	cmd := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	cmd.sentAt = now
	c.inFlight = cmd
	_ = c.write(cmd.text)
}

// closeWith tears the connection down once. Sockets close synchronously;
// subprocesses are signalled and finalize when their exit is observed.
func (c *Connection) closeWith(reason error) {
	if c.state.Terminal() || c.closing {
		return
	}
	if c.role == RoleProcess && c.proc != nil {
		c.proc.terminate(reason)
		return
	}
	c.closing = true
	c.closeErr = reason

	switch {
	case c.state == StateKeyExchange && errors.Is(reason, ErrAuth):
		c.setState(StateAuthFailed)
	case errors.Is(reason, ErrLocalClose) && c.state != StateConnecting && c.state != StateDisconnected:
		c.setState(StateClosing)
	}
	if c.tr != nil {
		c.tr.close()
	}
	c.setState(StateClosed)
	c.finish(reason)
}

// finish fails pending commands and unregisters the connection.
func (c *Connection) finish(reason error) {
	metrics.RecordConnectionClosed(closeReasonLabel(reason))
	ev := c.log.Info()
	if !errors.Is(reason, ErrLocalClose) {
		ev = c.log.Warn()
	}
	ev.Str(log.FieldEvent, "connection.closed").
		Str("reason", closeReasonLabel(reason)).
		Err(reason).
		Msg("connection closed")

	c.failPending(reason)
	c.b.connectionClosed(c)
}

func (c *Connection) failPending(reason error) {
	pending := make([]*Command, 0, len(c.queue)+1)
	if c.inFlight != nil {
		pending = append(pending, c.inFlight)
	}
	pending = append(pending, c.queue...)
	c.inFlight = nil
	c.queue = nil

	now := c.b.now()
	for _, cmd := range pending {
		cmd.resolve(Outcome{
			Kind:   OutcomeFailed,
			Status: protocol.StatusFailed,
			Text:   "connection closed",
			Err:    errors.Join(ErrClosed, reason),
		}, now)
	}
}

// onIdle runs liveness checks and the poll hook.
func (c *Connection) onIdle(now time.Time) {
	opts := &c.b.opts
	liveness := c.livenessTimeout()
	switch c.state {
	case StateKeyExchange:
		if liveness > 0 && now.Sub(c.stateSince) > liveness {
			c.closeWith(fmt.Errorf("%w: key exchange stalled", ErrTimeout))
		}
		return
	case StateOpen:
	default:
		return
	}

	switch c.role {
	case RoleOutbound:
		if c.inFlight != nil {
			if liveness > 0 && now.Sub(c.inFlight.sentAt) > liveness {
				c.closeWith(fmt.Errorf("%w: no reply to %q", ErrTimeout, c.inFlight.Verb()))
				return
			}
		} else if opts.KeepAlive > 0 && len(c.queue) == 0 && now.Sub(c.lastActivity) >= opts.KeepAlive {
			c.lastActivity = now
			_, _ = c.Enqueue(verbPing, nil)
		}
	case RoleInbound:
		if opts.KeepAlive > 0 && liveness > 0 &&
			now.Sub(c.lastActivity) > opts.KeepAlive+liveness {
			c.closeWith(fmt.Errorf("%w: peer silent", ErrTimeout))
			return
		}
	}
	if c.state != StateOpen {
		return
	}

	if c.onPoll != nil && c.pollInterval > 0 && !now.Before(c.nextPoll) {
		c.nextPoll = now.Add(c.pollInterval)
		c.safePoll(now)
	}
}

func (c *Connection) safePoll(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("poll hook panicked")
		}
	}()
	c.onPoll(c, now)
}

// forwardEvent pushes a broadcast to peers that asked for it.
func (c *Connection) forwardEvent(ev Event) {
	if c.state != StateOpen || c.role != RoleInbound {
		return
	}
	if !c.forwardEvents[ev.Type] && !c.forwardEvents[EventAny] {
		return
	}
	summary := ""
	if s, ok := ev.Payload.(Summarizer); ok {
		summary = s.Summary()
	}
	_ = c.SendValue("event", string(ev.Type), summary)
}

// ConnectionInfo is a point-in-time view for status reporting.
type ConnectionInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Addr     string    `json:"addr"`
	Role     Role      `json:"role"`
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
	Queued   int       `json:"queued"`
	InFlight string    `json:"in_flight,omitempty"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	info := ConnectionInfo{
		ID:     c.id,
		Name:   c.name,
		Addr:   c.addr,
		Role:   c.role,
		State:  c.state.String(),
		Since:  c.stateSince,
		Queued: len(c.queue),
	}
	if c.inFlight != nil {
		info.InFlight = c.inFlight.text
	}
	return info
}
