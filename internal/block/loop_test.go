// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

import (
	"context"
	"testing"
	"time"

	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const waitTimeout = 5 * time.Second

func runBlock(t *testing.T, b *Block) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("block did not stop")
		}
	}
	return stop
}

func TestSocketRoundTrip_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mux := NewCommandMux()
	mux.Handle("correct", func(c *Connection, req *protocol.Request) protocol.Reply {
		if len(req.Params) != 3 {
			return Fail(protocol.StatusInvalidParams, "want 3 params")
		}
		return OK("corrected by " + c.Name())
	})
	server := New(Options{Name: "T0", SharedKey: testKey, Commands: mux, IdleInterval: 20 * time.Millisecond})
	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)

	opened := make(chan *Connection, 1)
	client := New(Options{
		Name:         "imgp",
		SharedKey:    testKey,
		Peers:        map[string]string{"T0": addr.String()},
		AutoConnect:  []string{"T0"},
		OnOpen:       func(c *Connection) { opened <- c },
		IdleInterval: 20 * time.Millisecond,
	})

	stopServer := runBlock(t, server)
	stopClient := runBlock(t, client)

	var conn *Connection
	select {
	case conn = <-opened:
	case <-time.After(waitTimeout):
		t.Fatal("connection never opened")
	}

	outcomes := make(chan Outcome, 1)
	ctx := context.Background()
	require.NoError(t, client.Do(ctx, func() {
		_, err := conn.Enqueue("correct 1 2.5 -3", func(_ *Command, o Outcome) { outcomes <- o })
		assert.NoError(t, err)
	}))

	select {
	case o := <-outcomes:
		assert.Equal(t, OutcomeOK, o.Kind)
		assert.Equal(t, "corrected by imgp", o.Text)
	case <-time.After(waitTimeout):
		t.Fatal("no reply")
	}

	infos, err := server.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "imgp", infos[0].Name)
	assert.Equal(t, RoleInbound, infos[0].Role)
	assert.Equal(t, "open", infos[0].State)

	stopClient()
	stopServer()
}

func TestSocketWrongKeyIsRejected(t *testing.T) {
	server := New(Options{Name: "T0", SharedKey: testKey, IdleInterval: 20 * time.Millisecond})
	addr, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)

	closed := make(chan ConnectionClosed, 1)
	client := New(Options{
		Name:              "intruder",
		SharedKey:         "wrong",
		Peers:             map[string]string{"T0": addr.String()},
		AutoConnect:       []string{"T0"},
		ReconnectInterval: time.Hour,
		IdleInterval:      20 * time.Millisecond,
	})
	client.Subscribe(EventConnectionClosed, func(ev Event) {
		select {
		case closed <- ev.Payload.(ConnectionClosed):
		default:
		}
	})

	stopServer := runBlock(t, server)
	stopClient := runBlock(t, client)
	defer stopServer()
	defer stopClient()

	select {
	case cc := <-closed:
		assert.ErrorIs(t, cc.Reason, ErrAuth)
		assert.Equal(t, "T0", cc.Name)
	case <-time.After(waitTimeout):
		t.Fatal("rejected connection was not closed")
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	_, err := b.Connect("nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSetPeersUpdatesAddressBook(t *testing.T) {
	b, _ := newTestBlock(t, nil)
	assert.False(t, b.KnowsPeer("meteo"))
	b.SetPeers(map[string]string{"meteo": "127.0.0.1:1"})
	assert.True(t, b.KnowsPeer("meteo"))
	b.SetPeers(nil)
	assert.False(t, b.KnowsPeer("meteo"))
}

func TestDoAfterStop(t *testing.T) {
	b := New(Options{Name: "x", IdleInterval: 10 * time.Millisecond})
	stop := runBlock(t, b)
	stop()
	assert.ErrorIs(t, b.Do(context.Background(), func() {}), ErrStopped)
}
