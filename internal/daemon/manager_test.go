// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/config"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type runnerFunc func(ctx context.Context) error

func (f runnerFunc) Run(ctx context.Context) error { return f(ctx) }

func untilDone(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func newBlock() *block.Block {
	return block.New(block.Options{Name: "dome", IdleInterval: 20 * time.Millisecond})
}

func waitForListen(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("listen timeout")
}

func TestNewManager_MissingDeps(t *testing.T) {
	_, err := NewManager(Deps{Logger: zerolog.Nop(), Block: newBlock()})
	assert.ErrorIs(t, err, ErrMissingLogger)

	_, err = NewManager(Deps{Logger: log.WithComponent("test")})
	assert.ErrorIs(t, err, ErrMissingBlock)
}

func TestManager_StartStop_RunsHooksLIFO(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	started := make(chan struct{})
	mgr, err := NewManager(Deps{
		Logger:     log.WithComponent("test"),
		Block:      newBlock(),
		ListenAddr: "127.0.0.1:0",
		Workers: []Worker{{Name: "probe", Runner: runnerFunc(func(ctx context.Context) error {
			close(started)
			return untilDone(ctx)
		})}},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"store", "sink"} {
		mgr.RegisterShutdownHook(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- mgr.Start(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker not started")
	}
	require.NotNil(t, mgr.Addr())
	require.NoError(t, waitForListen(mgr.Addr().String(), 2*time.Second))

	cancel()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sink", "store"}, order)
}

func TestManager_WorkerFailureStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	boom := errors.New("redis unreachable")
	mgr, err := NewManager(Deps{
		Logger: log.WithComponent("test"),
		Block:  newBlock(),
		Workers: []Worker{
			{Name: "status", Runner: runnerFunc(untilDone)},
			{Name: "events", Runner: runnerFunc(func(context.Context) error { return boom })},
		},
	})
	require.NoError(t, err)

	hookErr := errors.New("close failed")
	mgr.RegisterShutdownHook("store", func(context.Context) error { return hookErr })

	errChan := make(chan error, 1)
	go func() { errChan <- mgr.Start(context.Background()) }()

	select {
	case err := <-errChan:
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, err, hookErr)
		assert.Contains(t, err.Error(), "events: redis unreachable")
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after worker failure")
	}
}

func TestManager_StartTwiceAndShutdownBeforeStart(t *testing.T) {
	mgr, err := NewManager(Deps{Logger: log.WithComponent("test"), Block: newBlock()})
	require.NoError(t, err)
	assert.ErrorIs(t, mgr.Shutdown(context.Background()), ErrManagerNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, mgr.Start(ctx))
	assert.ErrorIs(t, mgr.Start(ctx), ErrAlreadyStarted)
	assert.NoError(t, mgr.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestManager_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	mgr, err := NewManager(Deps{Logger: log.WithComponent("test"), Block: newBlock(), ListenAddr: ln.Addr().String()})
	require.NoError(t, err)
	assert.Error(t, mgr.Start(context.Background()))
}

func TestApp_MissingManager(t *testing.T) {
	app := NewApp(log.WithComponent("test"), nil, nil, nil)
	assert.ErrorIs(t, app.Run(context.Background()), ErrMissingManager)
}

func TestApp_AppliesReloadedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obsnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  name: dome\npeers:\n  centrald: 127.0.0.1:8617\n"), 0o600))
	loader := config.NewLoader(path, "test")
	cfg, err := loader.Load()
	require.NoError(t, err)
	holder := config.NewHolder(cfg, loader)

	mgr, err := NewManager(Deps{Logger: log.WithComponent("test"), Block: newBlock()})
	require.NoError(t, err)

	reloaded := make(chan config.AppConfig, 8)
	app := NewApp(log.WithComponent("test"), mgr, holder, func(c config.AppConfig) {
		select {
		case reloaded <- c:
		default:
		}
	})
	app.reloadSignal = nil

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- app.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("device:\n  name: dome\npeers:\n  centrald: 127.0.0.1:9000\n"), 0o600))
	require.Eventually(t, func() bool { return holder.Reload(context.Background()) == nil }, 2*time.Second, 20*time.Millisecond)

	deadline := time.After(5 * time.Second)
	for applied := false; !applied; {
		select {
		case c := <-reloaded:
			applied = c.Peers["centrald"] == "127.0.0.1:9000"
		case <-deadline:
			t.Fatal("reload not applied")
		}
	}

	cancel()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}
