// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the obsnet YAML configuration with environment
// overrides, validates it and serves named values that can be hot reloaded.
package config

import "time"

// AppConfig is the validated runtime configuration of one obsnet process.
type AppConfig struct {
	Version string `yaml:"-"`

	Log      LogConfig                 `yaml:"log"`
	Device   DeviceConfig              `yaml:"device"`
	Peers    map[string]string         `yaml:"peers"`
	Centrald CentraldConfig            `yaml:"centrald"`
	Dome     DomeConfig                `yaml:"dome"`
	Mount    MountConfig               `yaml:"mount"`
	Imgproc  ImgprocConfig             `yaml:"imgproc"`
	Mail     MailConfig                `yaml:"mail"`
	Status   StatusConfig              `yaml:"status"`
	Events   EventsConfig              `yaml:"events"`
	Values   map[string]any            `yaml:"values"`
	Devices  map[string]map[string]any `yaml:"devices"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// DeviceConfig describes this process on the device network.
type DeviceConfig struct {
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`
	// Key is the shared secret presented and expected during key exchange.
	Key string `yaml:"key"`

	Tick              time.Duration `yaml:"tick"`
	KeepAlive         time.Duration `yaml:"keepalive"`
	Liveness          time.Duration `yaml:"liveness"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	// Connect lists peers to keep dialed.
	Connect []string `yaml:"connect"`
}

// CentraldConfig names the coordinator and its starting phase.
type CentraldConfig struct {
	Peer         string `yaml:"peer"`
	InitialPhase string `yaml:"initial_phase"`
}

// DomeConfig holds the enclosure safety limits.
type DomeConfig struct {
	MaxWindSpeed     float64       `yaml:"max_windspeed"`
	MaxPeekWindSpeed float64       `yaml:"max_peek_windspeed"`
	WeatherTimeout   time.Duration `yaml:"weather_timeout"`
	Ignore           bool          `yaml:"ignore"`
	// Meteo is the peer that pushes RAIN and WINDSPED.
	Meteo        string        `yaml:"meteo"`
	OpenTime     time.Duration `yaml:"open_time"`
	CloseTime    time.Duration `yaml:"close_time"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Remote drives a dome controller peer instead of the simulator.
	Remote string `yaml:"remote"`
}

// MountConfig holds the simulated mount parameters.
type MountConfig struct {
	ParkTime     time.Duration `yaml:"park_time"`
	UnparkTime   time.Duration `yaml:"unpark_time"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ImgprocConfig configures astrometry and observation post-processing.
type ImgprocConfig struct {
	AstrometryExe  string   `yaml:"astrometry_exe"`
	AstrometryArgs []string `yaml:"astrometry_args"`
	ObsExe         string   `yaml:"obs_exe"`
	DBPath         string   `yaml:"db_path"`
	MailRecipients []string `yaml:"mail_recipients"`
	// Mount is the device that receives pointing corrections.
	Mount string `yaml:"mount"`
}

// MailConfig configures the notification mailer. An empty SMTPAddr logs
// mails instead of sending them.
type MailConfig struct {
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StatusConfig configures the HTTP status API.
type StatusConfig struct {
	Listen     string        `yaml:"listen"`
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

// EventsConfig configures the optional Redis event sink.
type EventsConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
	Buffer    int    `yaml:"buffer"`
}
