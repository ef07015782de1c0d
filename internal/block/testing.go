// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import "sync"

// Loopback is an in-memory transport that records written lines.
// It lets other packages exercise handlers without opening sockets.
type Loopback struct {
	mu     sync.Mutex
	lines  []string
	closed bool
}

func (l *Loopback) start(*Block, *Connection) {}

func (l *Loopback) writeLine(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrTransport
	}
	l.lines = append(l.lines, line)
	return nil
}

func (l *Loopback) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Lines returns and clears the recorded lines.
func (l *Loopback) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.lines
	l.lines = nil
	return out
}

// Closed reports whether the connection closed its transport.
func (l *Loopback) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// OpenLoopback registers an already authorized connection to name backed
// by a Loopback. Outbound connections accept Enqueue; inbound ones receive
// commands through Receive. Call it from the loop goroutine.
func (b *Block) OpenLoopback(role Role, name string) (*Connection, *Loopback) {
	c := b.newConnection(role, name, "loopback:"+name)
	if role == RoleOutbound {
		c.setState(StateConnecting)
	}
	c.setState(StateKeyExchange)
	c.setState(StateAuthorized)
	b.register(c)
	lb := &Loopback{}
	c.attach(lb)
	c.markOpen()
	return c, lb
}

// Receive handles line as if it had arrived from the peer.
func (c *Connection) Receive(line string) {
	c.handleLine(line)
}
