// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/config"
	"github.com/ManuGH/obsnet/internal/daemon"
	"github.com/ManuGH/obsnet/internal/eventsink"
	"github.com/ManuGH/obsnet/internal/health"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/status"
	"github.com/ManuGH/obsnet/internal/store"
	"github.com/ManuGH/obsnet/internal/version"
	"github.com/spf13/pflag"
)

// roleParts is what a role contributes to the shared process wiring.
type roleParts struct {
	commands block.CommandHandler
	values   block.ValueHandler
	onOpen   func(c *block.Connection)
	// attach runs after the block exists and before it runs.
	attach func(b *block.Block)
	// init runs after attach, e.g. driver initialisation.
	init func(ctx context.Context) error

	autoConnect []string
	coordinator string

	device   func(ctx context.Context) (any, error)
	images   func(ctx context.Context, obsID int64) ([]store.Image, error)
	checkers []health.Checker
	workers  []daemon.Worker
	hooks    []namedHook
}

type namedHook struct {
	name string
	hook daemon.ShutdownHook
}

// roleBuilder registers role flags on fs and returns a function that
// builds the role once flags are parsed.
type roleBuilder func(cfg config.AppConfig, holder *config.Holder, fs *pflag.FlagSet) func() (*roleParts, error)

var builders = map[string]roleBuilder{
	config.RoleCentrald: buildCentrald,
	config.RoleDome:     buildDome,
	config.RoleMount:    buildMount,
	config.RoleImgproc:  buildImgproc,
}

// preParseConfigPath extracts --config ahead of the full parse so the file
// can supply flag defaults.
func preParseConfigPath(role string, args []string) string {
	pre := pflag.NewFlagSet(role, pflag.ContinueOnError)
	pre.ParseErrorsAllowlist.UnknownFlags = true
	pre.SetOutput(io.Discard)
	pre.Usage = func() {}
	path := pre.StringP("config", "c", "", "")
	_ = pre.Parse(args)
	return *path
}

func runRole(role string, args []string) error {
	// Configure logger with safe defaults until config is loaded
	log.Configure(log.Config{Level: "info", Service: "obsnetd", Version: version.Version})
	logger := log.WithComponent("obsnetd")

	configPath := preParseConfigPath(role, args)
	loader := config.NewLoader(configPath, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %q: %w", configPath, err)
	}
	holder := config.NewHolder(cfg, loader)

	fs := pflag.NewFlagSet("obsnetd "+role, pflag.ContinueOnError)
	fs.StringP("config", "c", configPath, "path to config file (YAML)")
	logLevel := fs.String("log-level", cfg.Log.Level, "log level (debug, info, warn, error)")
	build := builders[role](cfg, holder, fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	service := cfg.Log.Service
	if service == "" {
		service = "obsnetd-" + role
	}
	log.Configure(log.Config{Level: *logLevel, Service: service, Version: cfg.Version})
	logger = log.WithComponent("obsnetd").With().Str(log.FieldRole, role).Logger()

	source := "env+defaults"
	if configPath != "" {
		source = "file"
	}
	logger.Info().
		Str(log.FieldEvent, "config.loaded").
		Str("source", source).
		Str(log.FieldPath, configPath).
		Str(log.FieldDevice, cfg.Device.Name).
		Msg("loaded configuration")

	if err := config.ValidateRole(cfg, role); err != nil {
		return err
	}

	ctx, stop := daemon.WaitForShutdown()
	defer stop()

	if err := health.PerformStartupChecks(ctx, cfg, role); err != nil {
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
		return err
	}

	parts, err := build()
	if err != nil {
		return err
	}

	autoConnect := append(slices.Clone(parts.autoConnect), cfg.Device.Connect...)
	slices.Sort(autoConnect)
	autoConnect = slices.Compact(autoConnect)

	b := block.New(block.Options{
		Name:              cfg.Device.Name,
		SharedKey:         cfg.Device.Key,
		Peers:             cfg.Peers,
		AutoConnect:       autoConnect,
		Coordinator:       parts.coordinator,
		Commands:          parts.commands,
		Values:            parts.values,
		OnOpen:            parts.onOpen,
		IdleInterval:      cfg.Device.Tick,
		KeepAlive:         cfg.Device.KeepAlive,
		LivenessTimeout:   cfg.Device.Liveness,
		DialTimeout:       cfg.Device.DialTimeout,
		ReconnectInterval: cfg.Device.ReconnectInterval,
		KillGrace:         cfg.Device.KillGrace,
	})
	if parts.attach != nil {
		parts.attach(b)
	}
	if parts.init != nil {
		if err := parts.init(ctx); err != nil {
			return err
		}
	}

	hm := health.NewManager(cfg.Device.Name, version.Version)
	hm.RegisterChecker(health.NewLoopChecker(b))
	for _, peer := range autoConnect {
		hm.RegisterChecker(health.NewPeerChecker(b, peer))
	}
	for _, c := range parts.checkers {
		hm.RegisterChecker(c)
	}

	workers := parts.workers
	hooks := parts.hooks

	if cfg.Events.RedisAddr != "" {
		sink, err := eventsink.New(ctx, eventsink.Config{
			Addr:   cfg.Events.RedisAddr,
			Prefix: cfg.Events.Prefix,
			Buffer: cfg.Events.Buffer,
		})
		if err != nil {
			return err
		}
		b.Subscribe(block.EventAny, sink.Publish)
		hm.RegisterChecker(health.NewPingChecker("redis", sink.HealthCheck, true))
		workers = append(workers, daemon.Worker{Name: "eventsink", Runner: sink})
		hooks = append(hooks, namedHook{"eventsink", func(context.Context) error { return sink.Close() }})
	}

	if cfg.Status.Listen != "" {
		srv := status.New(status.Options{
			Addr:       cfg.Status.Listen,
			RateLimit:  cfg.Status.RateLimit,
			RateWindow: cfg.Status.RateWindow,
			Health:     hm,
			Block:      b,
			Device:     parts.device,
			Images:     parts.images,
		})
		workers = append(workers, daemon.Worker{Name: "status", Runner: srv})
	}

	mgr, err := daemon.NewManager(daemon.Deps{
		Logger:     logger,
		Block:      b,
		ListenAddr: cfg.Device.Listen,
		Workers:    workers,
	})
	if err != nil {
		return err
	}
	for _, h := range hooks {
		mgr.RegisterShutdownHook(h.name, h.hook)
	}

	app := daemon.NewApp(logger, mgr, holder, func(next config.AppConfig) {
		applyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := b.Do(applyCtx, func() { b.SetPeers(next.Peers) }); err != nil {
			logger.Warn().Err(err).Str(log.FieldEvent, "config.apply_failed").Msg("reloaded peers not applied")
		}
	})

	logger.Info().
		Str(log.FieldEvent, "daemon.starting").
		Str(log.FieldAddr, cfg.Device.Listen).
		Strs("connect", autoConnect).
		Msg("starting device")

	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// without drops empty names.
func without(names ...string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}
