// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/centrald"
	"github.com/ManuGH/obsnet/internal/config"
	"github.com/ManuGH/obsnet/internal/daemon"
	"github.com/ManuGH/obsnet/internal/device"
	"github.com/ManuGH/obsnet/internal/health"
	"github.com/ManuGH/obsnet/internal/imgproc"
	"github.com/ManuGH/obsnet/internal/notify"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/ManuGH/obsnet/internal/store"
	"github.com/spf13/pflag"
)

func buildCentrald(cfg config.AppConfig, _ *config.Holder, fs *pflag.FlagSet) func() (*roleParts, error) {
	initial := fs.String("initial-phase", cfg.Centrald.InitialPhase, "phase broadcast at start (e.g. off, day, standby:night)")

	return func() (*roleParts, error) {
		p, err := phase.Parse(*initial)
		if err != nil {
			return nil, fmt.Errorf("initial phase: %w", err)
		}
		c := centrald.New(p)

		var b *block.Block
		return &roleParts{
			commands:    c.Commands(),
			onOpen:      c.OnOpen,
			attach:      func(nb *block.Block) { b = nb; c.Attach(nb) },
			device: func(ctx context.Context) (any, error) {
				var info map[string]string
				err := b.Do(ctx, func() {
					info = map[string]string{
						"phase":  c.Phase().String(),
						"period": string(c.Phase().Period),
						"mode":   string(c.Mode()),
					}
				})
				return info, err
			},
		}, nil
	}
}

// deviceParts is the shared wiring of the dome and mount roles.
func deviceParts(svc *device.Service, attach func(*block.Block), coordinator string, connect ...string) *roleParts {
	return &roleParts{
		commands:    svc.Commands(),
		values:      svc.Values(),
		attach:      attach,
		init:        svc.Init,
		coordinator: coordinator,
		autoConnect: without(append([]string{coordinator}, connect...)...),
		device: func(ctx context.Context) (any, error) {
			return svc.Status(ctx)
		},
	}
}

func serviceOptions(cfg config.AppConfig, holder *config.Holder, poll time.Duration) device.ServiceOptions {
	return device.ServiceOptions{
		Coordinator:    cfg.Centrald.Peer,
		WeatherTimeout: func() time.Duration { return holder.Get().Dome.WeatherTimeout },
		PollInterval:   poll,
	}
}

func buildDome(cfg config.AppConfig, holder *config.Holder, fs *pflag.FlagSet) func() (*roleParts, error) {
	var driver device.Driver
	if cfg.Dome.Remote != "" {
		driver = device.NewRemote(cfg.Device.Name, cfg.Dome.Remote, cfg.Dome.PollInterval)
	} else {
		driver = device.NewSimDome(device.SimConfig{
			Name:         cfg.Device.Name,
			OpenTime:     cfg.Dome.OpenTime,
			CloseTime:    cfg.Dome.CloseTime,
			PollInterval: cfg.Dome.PollInterval,
		})
	}
	driver.RegisterFlags(fs)
	ignore := fs.Bool("ignore", cfg.Dome.Ignore, "start with the weather override set")

	return func() (*roleParts, error) {
		d := device.NewDome(driver, device.DomeOptions{
			ServiceOptions: serviceOptions(cfg, holder, cfg.Dome.PollInterval),
			Meteo:          cfg.Dome.Meteo,
			Values:         holder.Values,
			DefaultMaxWind: cfg.Dome.MaxWindSpeed,
			Ignore:         *ignore,
		})
		return deviceParts(d.Service, d.Attach, cfg.Centrald.Peer, cfg.Dome.Meteo, cfg.Dome.Remote), nil
	}
}

func buildMount(cfg config.AppConfig, _ *config.Holder, fs *pflag.FlagSet) func() (*roleParts, error) {
	driver := device.NewSimMount(device.SimConfig{
		Name:         cfg.Device.Name,
		OpenTime:     cfg.Mount.UnparkTime,
		CloseTime:    cfg.Mount.ParkTime,
		PollInterval: cfg.Mount.PollInterval,
	})
	driver.RegisterFlags(fs)

	return func() (*roleParts, error) {
		m := device.NewMount(driver, device.ServiceOptions{
			Coordinator:  cfg.Centrald.Peer,
			PollInterval: cfg.Mount.PollInterval,
		})
		return deviceParts(m.Service, m.Attach, cfg.Centrald.Peer), nil
	}
}

func buildImgproc(cfg config.AppConfig, _ *config.Holder, fs *pflag.FlagSet) func() (*roleParts, error) {
	workers := fs.Int("workers", 1, "concurrent astrometry workers")
	dbPath := fs.String("db", cfg.Imgproc.DBPath, "image ledger path")

	return func() (*roleParts, error) {
		st, err := store.Open(*dbPath, store.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("open image ledger: %w", err)
		}

		var mailer notify.Mailer = notify.NewLogMailer()
		if cfg.Mail.SMTPAddr != "" {
			mailer = notify.NewSMTPMailer(notify.SMTPConfig{
				Addr:     cfg.Mail.SMTPAddr,
				From:     cfg.Mail.From,
				Username: cfg.Mail.Username,
				Password: cfg.Mail.Password,
			})
		}
		mail := notify.NewQueue(mailer, 0)

		p := imgproc.New(imgproc.Options{
			AstrometryExe:  cfg.Imgproc.AstrometryExe,
			AstrometryArgs: cfg.Imgproc.AstrometryArgs,
			ObsExe:         cfg.Imgproc.ObsExe,
			Mount:          cfg.Imgproc.Mount,
			Recipients:     cfg.Imgproc.MailRecipients,
			MaxWorkers:     *workers,
			Ledger:         st,
			Mailer:         mail,
		})

		var b *block.Block
		return &roleParts{
			commands:    p.Commands(),
			attach:      func(nb *block.Block) { b = nb; p.Attach(nb) },
			coordinator: cfg.Centrald.Peer,
			autoConnect: without(cfg.Centrald.Peer, cfg.Imgproc.Mount),
			device: func(ctx context.Context) (any, error) {
				var info map[string]int
				err := b.Do(ctx, func() {
					info = map[string]int{"queued": p.Queued(), "running": p.Running()}
				})
				return info, err
			},
			images:   st.Images,
			checkers: []health.Checker{health.NewPingChecker("ledger", st.Ping, false)},
			workers:  []daemon.Worker{{Name: "mail", Runner: mail}},
			hooks:    []namedHook{{"store", func(context.Context) error { return st.Close() }}},
		}, nil
	}
}
