// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	xglog "github.com/ManuGH/obsnet/internal/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Holder serves the current configuration and swaps it on reload. Values,
// the dome limits and the peer address book are applied live; listen
// addresses and keys need a restart and are reported as such.
type Holder struct {
	mu      sync.RWMutex
	current AppConfig
	values  atomic.Pointer[Values]
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []chan<- AppConfig
}

// NewHolder wraps an initial configuration.
func NewHolder(initial AppConfig, loader *Loader) *Holder {
	h := &Holder{
		current: initial,
		loader:  loader,
		logger:  xglog.WithComponent("config"),
	}
	h.values.Store(ValuesFrom(initial))
	return h
}

// Get returns the current configuration.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Values returns the current named-value snapshot.
func (h *Holder) Values() *Values {
	return h.values.Load()
}

// Reload re-reads the file. An invalid file keeps the old configuration.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("event", "config.reload_failed").
			Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()
	h.values.Store(ValuesFrom(next))

	h.logChanges(prev, next)
	h.notifyListeners(next)

	h.logger.Info().
		Str("event", "config.reload_success").
		Msg("configuration reloaded successfully")
	return nil
}

// StartWatcher watches the config file until ctx ends. Without a file it
// is a no-op.
func (h *Holder) StartWatcher(ctx context.Context) error {
	path := h.loader.Path()
	if path == "" {
		h.logger.Info().
			Str("event", "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().
		Str("event", "config.watcher_started").
		Str(xglog.FieldPath, path).
		Msg("watching config file for changes")

	go h.watchLoop(ctx, watcher)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			h.logger.Debug().
				Str("event", "config.file_changed").
				Str("op", event.Op.String()).
				Msg("config file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().
						Err(err).
						Str("event", "config.auto_reload_failed").
						Msg("automatic config reload failed")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().
				Err(err).
				Str("event", "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// RegisterListener receives every successfully reloaded configuration.
// Sends never block; a full channel misses the update.
func (h *Holder) RegisterListener(ch chan<- AppConfig) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(cfg AppConfig) {
	h.listenersMu.RLock()
	defer h.listenersMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().
				Str("event", "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

func (h *Holder) logChanges(prev, next AppConfig) {
	if prev.Dome.MaxWindSpeed != next.Dome.MaxWindSpeed {
		h.logger.Info().
			Float64("old", prev.Dome.MaxWindSpeed).
			Float64("new", next.Dome.MaxWindSpeed).
			Msg("config changed: dome.max_windspeed")
	}
	if prev.Dome.WeatherTimeout != next.Dome.WeatherTimeout {
		h.logger.Info().
			Dur("old", prev.Dome.WeatherTimeout).
			Dur("new", next.Dome.WeatherTimeout).
			Msg("config changed: dome.weather_timeout")
	}
	if !samePeers(prev.Peers, next.Peers) {
		h.logger.Info().
			Int("peers", len(next.Peers)).
			Msg("config changed: peers")
	}
	if prev.Device.Listen != next.Device.Listen || prev.Device.Key != next.Device.Key {
		h.logger.Warn().
			Str("event", "config.restart_required").
			Msg("listen address or key changed; restart to apply")
	}
}

func samePeers(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
