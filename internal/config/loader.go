// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader. An empty path loads defaults and environment only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the config file path.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) envString(key, def string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, def)
}

func (l *Loader) envInt(key string, def int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, def)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, def)
}

func (l *Loader) envBool(key string, def bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, def)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, def)
}

func (l *Loader) envList(key string, def []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, def)
}

// Load parses the file strictly, applies the environment and validates.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if cfg.Imgproc.DBPath != "" && cfg.Imgproc.DBPath != ":memory:" {
		if abs, err := filepath.Abs(cfg.Imgproc.DBPath); err == nil {
			cfg.Imgproc.DBPath = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a single YAML document over cfg. Unknown fields are fatal.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("%w: %s (only YAML supported)", ErrUnsupportedFormat, ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "not found in type") {
			return fmt.Errorf("%w: %v", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return ErrMultipleDocuments
	}
	return nil
}

// mergeEnv applies OBSNET_* overrides.
func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.Log.Level = l.envString("OBSNET_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Service = l.envString("OBSNET_LOG_SERVICE", cfg.Log.Service)

	cfg.Device.Name = l.envString("OBSNET_DEVICE_NAME", cfg.Device.Name)
	cfg.Device.Listen = l.envString("OBSNET_DEVICE_LISTEN", cfg.Device.Listen)
	cfg.Device.Key = l.envString("OBSNET_DEVICE_KEY", cfg.Device.Key)
	cfg.Device.Tick = l.envDuration("OBSNET_DEVICE_TICK", cfg.Device.Tick)
	cfg.Device.KeepAlive = l.envDuration("OBSNET_DEVICE_KEEPALIVE", cfg.Device.KeepAlive)
	cfg.Device.Liveness = l.envDuration("OBSNET_DEVICE_LIVENESS", cfg.Device.Liveness)
	cfg.Device.Connect = l.envList("OBSNET_DEVICE_CONNECT", cfg.Device.Connect)

	l.ConsumedEnvKeys["OBSNET_PEERS"] = struct{}{}
	if peers := ParsePeers("OBSNET_PEERS"); peers != nil {
		if cfg.Peers == nil {
			cfg.Peers = make(map[string]string, len(peers))
		}
		for name, addr := range peers {
			cfg.Peers[name] = addr
		}
	}

	cfg.Centrald.Peer = l.envString("OBSNET_CENTRALD_PEER", cfg.Centrald.Peer)
	cfg.Centrald.InitialPhase = l.envString("OBSNET_CENTRALD_INITIAL_PHASE", cfg.Centrald.InitialPhase)

	cfg.Dome.MaxWindSpeed = l.envFloat("OBSNET_DOME_MAX_WINDSPEED", cfg.Dome.MaxWindSpeed)
	cfg.Dome.MaxPeekWindSpeed = l.envFloat("OBSNET_DOME_MAX_PEEK_WINDSPEED", cfg.Dome.MaxPeekWindSpeed)
	cfg.Dome.WeatherTimeout = l.envDuration("OBSNET_DOME_WEATHER_TIMEOUT", cfg.Dome.WeatherTimeout)
	cfg.Dome.Ignore = l.envBool("OBSNET_DOME_IGNORE", cfg.Dome.Ignore)
	cfg.Dome.Meteo = l.envString("OBSNET_DOME_METEO", cfg.Dome.Meteo)
	cfg.Dome.Remote = l.envString("OBSNET_DOME_REMOTE", cfg.Dome.Remote)

	cfg.Imgproc.AstrometryExe = l.envString("OBSNET_IMGPROC_ASTROMETRY_EXE", cfg.Imgproc.AstrometryExe)
	cfg.Imgproc.ObsExe = l.envString("OBSNET_IMGPROC_OBS_EXE", cfg.Imgproc.ObsExe)
	cfg.Imgproc.DBPath = l.envString("OBSNET_IMGPROC_DB_PATH", cfg.Imgproc.DBPath)
	cfg.Imgproc.Mount = l.envString("OBSNET_IMGPROC_MOUNT", cfg.Imgproc.Mount)
	cfg.Imgproc.MailRecipients = l.envList("OBSNET_IMGPROC_MAIL_RECIPIENTS", cfg.Imgproc.MailRecipients)

	cfg.Mail.SMTPAddr = l.envString("OBSNET_MAIL_SMTP_ADDR", cfg.Mail.SMTPAddr)
	cfg.Mail.From = l.envString("OBSNET_MAIL_FROM", cfg.Mail.From)
	cfg.Mail.Username = l.envString("OBSNET_MAIL_USERNAME", cfg.Mail.Username)
	cfg.Mail.Password = l.envString("OBSNET_MAIL_PASSWORD", cfg.Mail.Password)

	cfg.Status.Listen = l.envString("OBSNET_STATUS_LISTEN", cfg.Status.Listen)
	cfg.Status.RateLimit = l.envInt("OBSNET_STATUS_RATE_LIMIT", cfg.Status.RateLimit)

	cfg.Events.RedisAddr = l.envString("OBSNET_EVENTS_REDIS_ADDR", cfg.Events.RedisAddr)
	cfg.Events.Prefix = l.envString("OBSNET_EVENTS_PREFIX", cfg.Events.Prefix)
}
