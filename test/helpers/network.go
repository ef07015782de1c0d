// SPDX-License-Identifier: MIT

// Package helpers starts real obsnet blocks on loopback sockets for the
// integration suites.
package helpers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/stretchr/testify/require"
)

// SharedKey is the key every test block presents.
const SharedKey = "integration-key"

// WaitTimeout bounds every eventual condition in the suites.
const WaitTimeout = 10 * time.Second

// Node is a running block with its listener address.
type Node struct {
	Block *block.Block
	Addr  net.Addr
}

// StartNode creates a block from opts, listens on a random loopback port
// and runs it until the test ends.
func StartNode(t *testing.T, opts block.Options) *Node {
	t.Helper()
	if opts.SharedKey == "" {
		opts.SharedKey = SharedKey
	}
	if opts.IdleInterval == 0 {
		opts.IdleInterval = 20 * time.Millisecond
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = 100 * time.Millisecond
	}
	b := block.New(opts)
	return RunNode(t, b)
}

// RunNode listens and runs an already built block.
func RunNode(t *testing.T, b *block.Block) *Node {
	t.Helper()
	addr, err := b.Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(WaitTimeout):
			t.Errorf("block %s did not stop", b.Name())
		}
	})
	return &Node{Block: b, Addr: addr}
}

// On runs fn on the node's loop and fails the test if the loop is gone.
func (n *Node) On(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, n.Block.Do(context.Background(), fn))
}

// Eventually polls cond on the node's loop.
func (n *Node) Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var ok bool
		if err := n.Block.Do(context.Background(), func() { ok = cond() }); err != nil {
			return false
		}
		return ok
	}, WaitTimeout, 20*time.Millisecond, msg)
}
