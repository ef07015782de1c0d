// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/metrics"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Options configures a Block.
type Options struct {
	// Name is this process's device name, presented during key exchange.
	Name      string
	SharedKey string

	// Peers is the address book: peer name to host:port.
	Peers map[string]string
	// AutoConnect lists peers that are dialed at start and redialed after
	// they drop, rate limited by ReconnectInterval.
	AutoConnect []string
	// Coordinator is the peer whose "phase" pushes drive BroadcastPhase.
	Coordinator string

	Commands CommandHandler
	Values   ValueHandler
	// OnOpen runs when any connection reaches Open.
	OnOpen func(c *Connection)

	IdleInterval      time.Duration
	KeepAlive         time.Duration
	LivenessTimeout   time.Duration
	DialTimeout       time.Duration
	ReconnectInterval time.Duration
	KillGrace         time.Duration
	ShutdownTimeout   time.Duration

	Clock Clock
}

func (o *Options) applyDefaults() {
	if o.IdleInterval <= 0 {
		o.IdleInterval = time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 10 * time.Second
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 5 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
}

// Block is the per-process registry of connections and the broadcast hub.
// All exported methods except Run, Do, Listen and Snapshot must be called
// from the loop goroutine (handlers, hooks, idlers, or a Do closure).
type Block struct {
	opts Options
	log  zerolog.Logger

	conns  []*Connection
	byName map[string]*Connection
	byAddr map[string]*Connection

	broadcastDepth int
	pendingRemoval []*Connection

	subs      []*subscription
	subSeq    uint64
	phaseSubs []func(phase.Phase)
	phase     phase.Phase
	idlers    []func(now time.Time)
	waiters   []*waiter
	limiters  map[string]*rate.Limiter

	events  chan func()
	done    chan struct{}
	ctx     context.Context
	lnMu    sync.Mutex
	lns     []net.Listener
	stopped bool
}

// New returns a Block ready to Run.
func New(opts Options) *Block {
	opts.applyDefaults()
	return &Block{
		opts:     opts,
		log:      log.WithComponent("block").With().Str(log.FieldDevice, opts.Name).Logger(),
		byName:   make(map[string]*Connection),
		byAddr:   make(map[string]*Connection),
		phase:    phase.Initial,
		limiters: make(map[string]*rate.Limiter),
		events:   make(chan func(), 256),
		done:     make(chan struct{}),
	}
}

// Name returns this process's device name.
func (b *Block) Name() string { return b.opts.Name }

// Phase returns the last broadcast phase.
func (b *Block) Phase() phase.Phase { return b.phase }

// Now returns the block clock's time.
func (b *Block) Now() time.Time { return b.opts.Clock.Now() }

func (b *Block) now() time.Time { return b.opts.Clock.Now() }

// KnowsPeer reports whether name is in the address book or registered.
func (b *Block) KnowsPeer(name string) bool {
	if _, ok := b.opts.Peers[name]; ok {
		return true
	}
	_, ok := b.byName[name]
	return ok
}

// SetPeers replaces the address book. Live connections are kept; new
// addresses apply to the next dial.
func (b *Block) SetPeers(peers map[string]string) {
	next := make(map[string]string, len(peers))
	for name, addr := range peers {
		next[name] = addr
	}
	b.opts.Peers = next
	b.log.Info().
		Str(log.FieldEvent, "block.peers_updated").
		Int("peers", len(next)).
		Msg("address book updated")
}

// register adds c at the end of the registration order and indexes it.
func (b *Block) register(c *Connection) {
	b.conns = append(b.conns, c)
	if c.addr != "" {
		b.byAddr[c.addr] = c
	}
	b.indexName(c)
	b.updateGauges()
}

// indexName maps c's name to it. A dialed connection wins over an accepted
// one with the same name so commands find a link that can carry replies.
func (b *Block) indexName(c *Connection) {
	if c.name == "" {
		return
	}
	cur, ok := b.byName[c.name]
	if !ok || cur.state.Terminal() || cur.role != RoleOutbound || c.role == RoleOutbound {
		b.byName[c.name] = c
	}
}

// Remove closes c locally; it leaves the registry once the close completes.
func (b *Block) Remove(c *Connection) {
	if c.b != b {
		return
	}
	c.Close()
}

// remove unregisters c, deferring the removal while a broadcast is running
// so iteration never sees the set shrink underneath it.
func (b *Block) remove(c *Connection) {
	if b.broadcastDepth > 0 {
		b.pendingRemoval = append(b.pendingRemoval, c)
		return
	}
	b.removeNow(c)
}

func (b *Block) removeNow(c *Connection) {
	idx := slices.Index(b.conns, c)
	if idx < 0 {
		return
	}
	b.conns = slices.Delete(b.conns, idx, idx+1)
	if b.byAddr[c.addr] == c {
		delete(b.byAddr, c.addr)
	}
	if c.name != "" && b.byName[c.name] == c {
		delete(b.byName, c.name)
		for _, other := range b.conns {
			if other.name == c.name && !other.state.Terminal() {
				b.indexName(other)
			}
		}
	}
	b.updateGauges()
}

func (b *Block) updateGauges() {
	counts := map[Role]int{RoleOutbound: 0, RoleInbound: 0, RoleProcess: 0}
	for _, c := range b.conns {
		counts[c.role]++
	}
	for role, n := range counts {
		metrics.SetConnections(string(role), n)
	}
}

// Connections returns the registered connections in registration order.
func (b *Block) Connections() []*Connection {
	return slices.Clone(b.conns)
}

// FindByName returns the live connection registered under name.
func (b *Block) FindByName(name string) (*Connection, bool) {
	c, ok := b.byName[name]
	if !ok || c.state.Terminal() {
		return nil, false
	}
	return c, true
}

// FindByAddress returns the live connection for a remote address.
func (b *Block) FindByAddress(addr string) (*Connection, bool) {
	c, ok := b.byAddr[addr]
	if !ok || c.state.Terminal() {
		return nil, false
	}
	return c, true
}

func (b *Block) beginBroadcast() { b.broadcastDepth++ }

func (b *Block) endBroadcast() {
	b.broadcastDepth--
	if b.broadcastDepth > 0 {
		return
	}
	pending := b.pendingRemoval
	b.pendingRemoval = nil
	for _, c := range pending {
		b.removeNow(c)
	}
}

// Subscribe registers fn for events of type t (EventAny for all). The
// returned function cancels the subscription.
func (b *Block) Subscribe(t EventType, fn EventHandler) func() {
	b.subSeq++
	sub := &subscription{id: b.subSeq, typ: t, handler: fn}
	b.subs = append(b.subs, sub)
	return func() {
		b.subs = slices.DeleteFunc(b.subs, func(s *subscription) bool { return s.id == sub.id })
		sub.handler = nil
	}
}

// OnPhase registers fn to run on every phase broadcast.
func (b *Block) OnPhase(fn func(phase.Phase)) {
	b.phaseSubs = append(b.phaseSubs, fn)
}

// AddIdler registers fn to run on every idle tick after connection checks.
func (b *Block) AddIdler(fn func(now time.Time)) {
	b.idlers = append(b.idlers, fn)
}

// BroadcastEvent delivers ev synchronously: first to every connection in
// registration order (forwarding to peers that asked for it), then to
// subscribers in subscription order.
func (b *Block) BroadcastEvent(ev Event) {
	if ev.Source == "" {
		ev.Source = b.opts.Name
	}
	metrics.IncEventBroadcast(string(ev.Type))
	b.beginBroadcast()
	defer b.endBroadcast()

	for _, c := range slices.Clone(b.conns) {
		if !c.state.Terminal() {
			c.forwardEvent(ev)
		}
	}
	for _, s := range slices.Clone(b.subs) {
		if s.handler == nil || (s.typ != EventAny && s.typ != ev.Type) {
			continue
		}
		b.safeEvent(s.handler, ev)
	}
}

func (b *Block) safeEvent(fn EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str(log.FieldEvent, "event.handler_panic").
				Str("type", string(ev.Type)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	fn(ev)
}

// BroadcastPhase records p and delivers it to forwarding peers, phase
// listeners and finally as a phase-changed event.
func (b *Block) BroadcastPhase(p phase.Phase) {
	prev := b.phase
	b.phase = p
	metrics.IncPhaseChange(p.String())
	b.log.Info().
		Str(log.FieldEvent, "phase.broadcast").
		Str(log.FieldOldState, prev.String()).
		Str(log.FieldPhase, p.String()).
		Msg("phase broadcast")

	b.beginBroadcast()
	defer b.endBroadcast()

	for _, c := range slices.Clone(b.conns) {
		if c.forwardPhase && c.state == StateOpen {
			_ = c.SendValue("phase", p.String())
		}
	}
	for _, fn := range slices.Clone(b.phaseSubs) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Msg("phase listener panicked")
				}
			}()
			fn(p)
		}()
	}
	b.BroadcastEvent(Event{Type: EventPhaseChanged, Payload: p})
}

func (b *Block) dispatchCommand(c *Connection, req *protocol.Request) (reply protocol.Reply) {
	switch req.Name {
	case verbPing:
		return OK("pong")
	case protocol.VerbKey:
		return Fail(protocol.StatusNotAllowed, "already authorized")
	}
	if b.opts.Commands == nil {
		return Fail(protocol.StatusUnknownCommand, "unknown command %q", req.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str(log.FieldEvent, "command.handler_panic").
				Str(log.FieldCommand, req.Raw).
				Interface("panic", r).
				Msg("command handler panicked")
			reply = Fail(protocol.StatusFailed, "internal error")
		}
	}()
	return b.opts.Commands.HandleCommand(c, req)
}

// routeValue handles a value push; the coordinator's phase is built in.
func (b *Block) routeValue(c *Connection, req *protocol.Request) bool {
	if req.Name == "phase" && c.name != "" && c.name == b.opts.Coordinator {
		raw := ""
		if len(req.Params) > 0 {
			raw = req.Params[0]
		}
		p, err := phase.Parse(raw)
		if err != nil {
			c.log.Warn().Err(err).Str(log.FieldPhase, raw).Msg("coordinator pushed unknown phase")
			return true
		}
		b.BroadcastPhase(p)
		return true
	}
	h := c.valueHandler
	if h == nil {
		h = b.opts.Values
	}
	if h == nil {
		return false
	}
	return h.HandleValue(c, req)
}

func (b *Block) connectionOpened(c *Connection) {
	if b.opts.OnOpen != nil {
		b.opts.OnOpen(c)
	}
}

func (b *Block) connectionClosed(c *Connection) {
	b.remove(c)
	b.BroadcastEvent(Event{
		Type: EventConnectionClosed,
		Payload: ConnectionClosed{
			Name:   c.name,
			Addr:   c.addr,
			Role:   c.role,
			Reason: c.closeErr,
		},
	})
}
