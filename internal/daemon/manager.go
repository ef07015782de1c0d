// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ManuGH/obsnet/internal/log"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager manages the daemon lifecycle: starting the loop and its workers,
// handling shutdown.
type Manager interface {
	// Start runs the loop and all workers and blocks until shutdown
	Start(ctx context.Context) error

	// Shutdown runs the shutdown hooks
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a function to be called during shutdown
	RegisterShutdownHook(name string, hook ShutdownHook)

	// Addr is the peer listener address once Start has bound it.
	Addr() net.Addr
}

// manager implements the Manager interface.
type manager struct {
	deps            Deps
	shutdownTimeout time.Duration

	shutdownHooks []namedHook

	addr     net.Addr
	started  bool
	stopping bool
	mu       sync.Mutex

	logger zerolog.Logger
}

// namedHook represents a shutdown hook with a name for logging
type namedHook struct {
	name string
	hook ShutdownHook
}

// NewManager creates a new daemon manager with the given dependencies.
func NewManager(deps Deps) (Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &manager{
		deps:            deps,
		shutdownTimeout: 30 * time.Second,
		logger:          deps.Logger.With().Str(log.FieldComponent, "manager").Logger(),
		shutdownHooks:   make([]namedHook, 0),
	}, nil
}

func (m *manager) Addr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Start binds the peer listener, then runs the block loop and every worker
// in one errgroup. A failing worker stops the rest; the shutdown hooks run
// once everything has returned.
func (m *manager) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("start context is nil")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str(log.FieldEvent, "daemon.start").
		Str(log.FieldAddr, m.deps.ListenAddr).
		Int("workers", len(m.deps.Workers)).
		Msg("starting daemon manager")

	if m.deps.ListenAddr != "" {
		addr, err := m.deps.Block.Listen(m.deps.ListenAddr)
		if err != nil {
			return fmt.Errorf("peer listener: %w", err)
		}
		m.mu.Lock()
		m.addr = addr
		m.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.deps.Block.Run(gctx)
	})
	for _, w := range m.deps.Workers {
		g.Go(func() error {
			if err := w.Runner.Run(gctx); err != nil {
				m.logger.Error().
					Err(err).
					Str(log.FieldEvent, "daemon.worker_failed").
					Str("worker", w.Name).
					Msg("worker failed")
				return fmt.Errorf("%s: %w", w.Name, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	// Use a detached-but-bounded context so shutdown can complete even if parent is canceled.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.shutdownTimeout)
	defer cancel()
	if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
		return errors.Join(runErr, shutdownErr)
	}
	return runErr
}

func (m *manager) Shutdown(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("shutdown context is nil")
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	var errs []error
	m.logger.Debug().Int("hooks", len(hooks)).Msg("executing shutdown hooks")
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		hookStart := time.Now()
		if err := hook.hook(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", hook.name).
				Dur("duration", time.Since(hookStart)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", hook.name).
			Dur("duration", time.Since(hookStart)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		m.logger.Error().
			Int("error_count", len(errs)).
			Msg("shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	m.logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("daemon manager stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
// Hooks are executed in reverse registration order (LIFO).
func (m *manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHooks = append(m.shutdownHooks, namedHook{
		name: name,
		hook: hook,
	})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}
