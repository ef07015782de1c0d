// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"sort"

	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/ManuGH/obsnet/internal/validate"
)

// Roles obsnetd can run as.
const (
	RoleCentrald = "centrald"
	RoleDome     = "dome"
	RoleMount    = "mount"
	RoleImgproc  = "imgproc"
)

// Validate checks fields every role depends on.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.OneOf("log.level", cfg.Log.Level, []string{"trace", "debug", "info", "warn", "error"})

	if cfg.Device.Name != "" {
		v.Name("device.name", cfg.Device.Name)
	}
	if cfg.Device.Listen != "" {
		v.HostPort("device.listen", cfg.Device.Listen)
	}
	v.PositiveDuration("device.tick", cfg.Device.Tick)
	v.PositiveDuration("device.dial_timeout", cfg.Device.DialTimeout)
	v.PositiveDuration("device.reconnect_interval", cfg.Device.ReconnectInterval)
	v.PositiveDuration("device.kill_grace", cfg.Device.KillGrace)
	if cfg.Device.Liveness < 0 || cfg.Device.KeepAlive < 0 {
		v.AddError("device.liveness", "must not be negative", cfg.Device.Liveness)
	}

	names := make([]string, 0, len(cfg.Peers))
	for name := range cfg.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.Name("peers."+name, name)
		v.HostPort("peers."+name, cfg.Peers[name])
	}
	for _, name := range cfg.Device.Connect {
		if _, ok := cfg.Peers[name]; !ok {
			v.AddError("device.connect", fmt.Sprintf("peer %q is not in peers", name), name)
		}
	}

	if _, err := phase.Parse(cfg.Centrald.InitialPhase); err != nil {
		v.AddError("centrald.initial_phase", err.Error(), cfg.Centrald.InitialPhase)
	}

	v.FloatRange("dome.max_windspeed", cfg.Dome.MaxWindSpeed, 0, 200)
	v.FloatRange("dome.max_peek_windspeed", cfg.Dome.MaxPeekWindSpeed, 0, 200)
	v.PositiveDuration("dome.weather_timeout", cfg.Dome.WeatherTimeout)
	v.PositiveDuration("dome.poll_interval", cfg.Dome.PollInterval)
	v.PositiveDuration("mount.poll_interval", cfg.Mount.PollInterval)

	if cfg.Status.Listen != "" {
		v.HostPort("status.listen", cfg.Status.Listen)
		v.Range("status.rate_limit", cfg.Status.RateLimit, 1, 100000)
		v.PositiveDuration("status.rate_window", cfg.Status.RateWindow)
	}
	if cfg.Events.RedisAddr != "" {
		v.HostPort("events.redis_addr", cfg.Events.RedisAddr)
		v.NotEmpty("events.prefix", cfg.Events.Prefix)
		v.Range("events.buffer", cfg.Events.Buffer, 1, 1<<20)
	}
	if cfg.Mail.SMTPAddr != "" {
		v.HostPort("mail.smtp_addr", cfg.Mail.SMTPAddr)
		v.NotEmpty("mail.from", cfg.Mail.From)
	}

	return v.Err()
}

// ValidateRole adds the checks a specific role needs on top of Validate.
func ValidateRole(cfg AppConfig, role string) error {
	v := validate.New()
	v.Name("device.name", cfg.Device.Name)
	v.NotEmpty("device.key", cfg.Device.Key)

	switch role {
	case RoleCentrald:
		v.NotEmpty("device.listen", cfg.Device.Listen)
	case RoleDome, RoleMount:
		if cfg.Centrald.Peer != "" {
			if _, ok := cfg.Peers[cfg.Centrald.Peer]; !ok {
				v.AddError("centrald.peer", "coordinator is not in peers", cfg.Centrald.Peer)
			}
		}
		if role == RoleDome && cfg.Dome.Meteo != "" {
			if _, ok := cfg.Peers[cfg.Dome.Meteo]; !ok {
				v.AddError("dome.meteo", "meteo peer is not in peers", cfg.Dome.Meteo)
			}
		}
		if role == RoleDome && cfg.Dome.Remote != "" {
			if _, ok := cfg.Peers[cfg.Dome.Remote]; !ok {
				v.AddError("dome.remote", "remote dome peer is not in peers", cfg.Dome.Remote)
			}
		}
	case RoleImgproc:
		v.Executable("imgproc.astrometry_exe", cfg.Imgproc.AstrometryExe)
		if cfg.Imgproc.ObsExe != "" {
			v.Executable("imgproc.obs_exe", cfg.Imgproc.ObsExe)
		}
		if cfg.Imgproc.DBPath != ":memory:" {
			v.ParentDir("imgproc.db_path", cfg.Imgproc.DBPath)
		}
		v.Name("imgproc.mount", cfg.Imgproc.Mount)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return v.Err()
}
