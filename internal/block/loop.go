// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"golang.org/x/time/rate"
)

// Run is the event loop. It returns after ctx is cancelled, every connection
// has been closed and spawned workers have been reaped (or ShutdownTimeout
// elapsed).
func (b *Block) Run(ctx context.Context) error {
	b.ctx = ctx
	ticker := time.NewTicker(b.opts.IdleInterval)
	defer ticker.Stop()

	b.log.Info().
		Str(log.FieldEvent, "block.start").
		Strs("auto_connect", b.opts.AutoConnect).
		Msg("block loop started")
	b.reconnectPeers(b.now())

	for {
		select {
		case fn := <-b.events:
			fn()
		case <-ticker.C:
			b.tick(b.now())
		case <-ctx.Done():
			b.shutdown()
			return nil
		}
	}
}

// post hands fn to the loop. It returns false once the loop has stopped.
func (b *Block) post(fn func()) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.events <- fn:
		return true
	case <-b.done:
		return false
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (b *Block) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !b.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrStopped
	}
}

// Snapshot returns connection info from the loop; safe from any goroutine.
func (b *Block) Snapshot(ctx context.Context) ([]ConnectionInfo, error) {
	var out []ConnectionInfo
	err := b.Do(ctx, func() {
		out = make([]ConnectionInfo, 0, len(b.conns))
		for _, c := range b.conns {
			out = append(out, c.Info())
		}
	})
	return out, err
}

// tick is the idle step: connection liveness and polls, idlers, waiters
// and redials.
func (b *Block) tick(now time.Time) {
	for _, c := range slices.Clone(b.conns) {
		if !c.state.Terminal() {
			c.onIdle(now)
		}
	}
	for _, fn := range slices.Clone(b.idlers) {
		b.safeIdle(fn, now)
	}
	b.checkWaiters(now)
	b.reconnectPeers(now)
}

func (b *Block) safeIdle(fn func(time.Time), now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("idle hook panicked")
		}
	}()
	fn(now)
}

// Listen accepts inbound connections on addr. It may be called before Run
// or from any goroutine.
func (b *Block) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	b.lnMu.Lock()
	b.lns = append(b.lns, ln)
	b.lnMu.Unlock()

	b.log.Info().
		Str(log.FieldEvent, "block.listen").
		Str(log.FieldAddr, ln.Addr().String()).
		Msg("accepting connections")
	go b.acceptLoop(ln)
	return ln.Addr(), nil
}

func (b *Block) acceptLoop(ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.log.Warn().Err(err).Msg("accept failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !b.post(func() { b.accept(nc) }) {
			_ = nc.Close()
			return
		}
	}
}

func (b *Block) accept(nc net.Conn) {
	if b.stopped {
		_ = nc.Close()
		return
	}
	c := b.newConnection(RoleInbound, "", nc.RemoteAddr().String())
	c.setState(StateKeyExchange)
	b.register(c)
	c.attach(newSocketTransport(nc))
	c.log.Debug().Str(log.FieldEvent, "connection.accepted").Msg("accepted connection")
}

// Connect dials a peer from the address book. An existing live dialed
// connection to the same peer is returned instead of a second one.
func (b *Block) Connect(name string) (*Connection, error) {
	addr, ok := b.opts.Peers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, name)
	}
	if c := b.liveOutbound(name); c != nil {
		return c, nil
	}
	return b.Dial(name, addr), nil
}

// Dial starts a non-blocking connect to addr. The connection is registered
// in StateConnecting and progresses on the loop.
func (b *Block) Dial(name, addr string) *Connection {
	c := b.newConnection(RoleOutbound, name, addr)
	c.setState(StateConnecting)
	b.register(c)

	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := b.opts.DialTimeout
	go func() {
		d := net.Dialer{Timeout: timeout}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if !b.post(func() { c.dialed(nc, err) }) && nc != nil {
			_ = nc.Close()
		}
	}()
	return c
}

func (c *Connection) dialed(nc net.Conn, err error) {
	if c.state != StateConnecting {
		if nc != nil {
			_ = nc.Close()
		}
		return
	}
	if err != nil {
		c.closeWith(fmt.Errorf("%w: dial: %v", ErrTransport, err))
		return
	}
	c.attach(newSocketTransport(nc))
	c.beginKeyExchange()
}

func (b *Block) liveOutbound(name string) *Connection {
	for _, c := range b.conns {
		if c.role == RoleOutbound && c.name == name && !c.state.Terminal() && !c.closing {
			return c
		}
	}
	return nil
}

// reconnectPeers redials auto-connect peers without a live link, at most
// once per ReconnectInterval each.
func (b *Block) reconnectPeers(now time.Time) {
	if b.stopped {
		return
	}
	for _, name := range b.opts.AutoConnect {
		if b.liveOutbound(name) != nil {
			continue
		}
		lim, ok := b.limiters[name]
		if !ok {
			lim = rate.NewLimiter(rate.Every(b.opts.ReconnectInterval), 1)
			b.limiters[name] = lim
		}
		if !lim.AllowN(now, 1) {
			continue
		}
		if _, err := b.Connect(name); err != nil {
			b.log.Warn().Err(err).Str(log.FieldPeer, name).Msg("cannot connect to peer")
		}
	}
}

func (b *Block) shutdown() {
	b.stopped = true
	b.log.Info().Str(log.FieldEvent, "block.stop").Msg("block loop stopping")

	b.lnMu.Lock()
	for _, ln := range b.lns {
		_ = ln.Close()
	}
	b.lns = nil
	b.lnMu.Unlock()

	for _, c := range slices.Clone(b.conns) {
		c.Close()
	}

	deadline := time.NewTimer(b.opts.ShutdownTimeout)
	defer deadline.Stop()
	for b.hasLiveProcesses() {
		select {
		case fn := <-b.events:
			fn()
		case <-deadline.C:
			b.log.Warn().Msg("workers still running at shutdown deadline")
			b.finishShutdown()
			return
		}
	}
	b.finishShutdown()
}

// finishShutdown stops accepting posts and runs whatever was already queued
// so late dials and accepts release their sockets.
func (b *Block) finishShutdown() {
	close(b.done)
	for {
		select {
		case fn := <-b.events:
			fn()
		default:
			return
		}
	}
}

func (b *Block) hasLiveProcesses() bool {
	for _, c := range b.conns {
		if c.role == RoleProcess && c.proc != nil && !c.proc.finalized {
			return true
		}
	}
	return false
}
