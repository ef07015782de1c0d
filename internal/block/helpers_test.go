// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testKey = "s3cret"

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

// fakeTransport records written lines instead of touching a socket.
type fakeTransport struct {
	lines      []string
	closed     bool
	failWrites bool
}

func (f *fakeTransport) start(*Block, *Connection) {}

func (f *fakeTransport) writeLine(line string) error {
	if f.failWrites {
		return ErrTransport
	}
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeTransport) close() { f.closed = true }

func (f *fakeTransport) last() string {
	if len(f.lines) == 0 {
		return ""
	}
	return f.lines[len(f.lines)-1]
}

func newTestBlock(t *testing.T, mutate func(*Options)) (*Block, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	opts := Options{
		Name:      "dome",
		SharedKey: testKey,
		Clock:     clk,
	}
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts), clk
}

// openOutbound walks a dialed connection through key exchange to Open.
func openOutbound(t *testing.T, b *Block, name string) (*Connection, *fakeTransport) {
	t.Helper()
	c := b.newConnection(RoleOutbound, name, "fake-out:"+name)
	require.True(t, c.setState(StateConnecting))
	b.register(c)
	ft := &fakeTransport{}
	c.attach(ft)
	c.beginKeyExchange()
	require.Equal(t, "key dome "+testKey, ft.last())
	c.handleLine("+000 authorized")
	require.Equal(t, StateOpen, c.State())
	ft.lines = nil
	return c, ft
}

// openInbound walks an accepted connection through key exchange to Open.
func openInbound(t *testing.T, b *Block, name string) (*Connection, *fakeTransport) {
	t.Helper()
	c := b.newConnection(RoleInbound, "", "fake-in:"+name)
	require.True(t, c.setState(StateKeyExchange))
	b.register(c)
	ft := &fakeTransport{}
	c.attach(ft)
	c.handleLine("key " + name + " " + testKey)
	require.Equal(t, StateOpen, c.State())
	require.Equal(t, "+000 authorized", ft.last())
	ft.lines = nil
	return c, ft
}
