// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Defaults returns the configuration used when neither file nor environment
// set a field. The weather timeout keeps a freshly started dome closed until
// the meteo peer has had time to report.
func Defaults() AppConfig {
	return AppConfig{
		Log: LogConfig{Level: "info"},
		Device: DeviceConfig{
			Listen:            ":8617",
			Tick:              time.Second,
			KeepAlive:         30 * time.Second,
			Liveness:          60 * time.Second,
			DialTimeout:       5 * time.Second,
			ReconnectInterval: 10 * time.Second,
			KillGrace:         5 * time.Second,
		},
		Peers: map[string]string{},
		Centrald: CentraldConfig{
			Peer:         "centrald",
			InitialPhase: "off",
		},
		Dome: DomeConfig{
			MaxWindSpeed:     50,
			MaxPeekWindSpeed: 50,
			WeatherTimeout:   10 * time.Minute,
			OpenTime:         20 * time.Second,
			CloseTime:        20 * time.Second,
			PollInterval:     time.Second,
		},
		Mount: MountConfig{
			ParkTime:     30 * time.Second,
			UnparkTime:   10 * time.Second,
			PollInterval: time.Second,
		},
		Imgproc: ImgprocConfig{
			AstrometryExe: "img_process",
			DBPath:        "obsnet.db",
			Mount:         "T0",
		},
		Status: StatusConfig{
			RateLimit:  60,
			RateWindow: time.Minute,
		},
		Events: EventsConfig{
			Prefix: "obsnet:events",
			Buffer: 256,
		},
		Values:  map[string]any{},
		Devices: map[string]map[string]any{},
	}
}
