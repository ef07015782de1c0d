// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Values is an immutable snapshot of free-form named values: a global
// section and per-device sections. Devices read tunables through it so a
// reload can change them without a restart.
type Values struct {
	global  map[string]string
	devices map[string]map[string]string
}

// NewValues flattens the YAML values sections. Keys are case-insensitive.
func NewValues(global map[string]any, devices map[string]map[string]any) *Values {
	v := &Values{
		global:  flatten(global),
		devices: make(map[string]map[string]string, len(devices)),
	}
	for dev, vals := range devices {
		v.devices[strings.ToLower(dev)] = flatten(vals)
	}
	return v
}

// ValuesFrom builds the snapshot for cfg. Typed dome limits are exposed as
// named values of the dome device so both access paths agree.
func ValuesFrom(cfg AppConfig) *Values {
	devices := make(map[string]map[string]any, len(cfg.Devices)+1)
	for dev, vals := range cfg.Devices {
		devices[dev] = vals
	}
	if cfg.Device.Name != "" {
		own := make(map[string]any, len(devices[cfg.Device.Name])+2)
		own["max_windspeed"] = cfg.Dome.MaxWindSpeed
		own["max_peek_windspeed"] = cfg.Dome.MaxPeekWindSpeed
		for k, val := range devices[cfg.Device.Name] {
			own[k] = val
		}
		devices[cfg.Device.Name] = own
	}
	return NewValues(cfg.Values, devices)
}

func flatten(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, val := range in {
		switch t := val.(type) {
		case nil:
			continue
		case string:
			out[strings.ToLower(k)] = t
		case float64:
			out[strings.ToLower(k)] = strconv.FormatFloat(t, 'g', -1, 64)
		default:
			out[strings.ToLower(k)] = fmt.Sprint(t)
		}
	}
	return out
}

// String returns a global value or def.
func (v *Values) String(name, def string) string {
	if v == nil {
		return def
	}
	if s, ok := v.global[strings.ToLower(name)]; ok {
		return s
	}
	return def
}

// Double returns a global numeric value or def when missing or malformed.
func (v *Values) Double(name string, def float64) float64 {
	return toFloat(v.String(name, ""), def)
}

// DeviceString returns a per-device value, falling back to the global one,
// then def.
func (v *Values) DeviceString(device, name, def string) string {
	if v == nil {
		return def
	}
	if vals, ok := v.devices[strings.ToLower(device)]; ok {
		if s, ok := vals[strings.ToLower(name)]; ok {
			return s
		}
	}
	return v.String(name, def)
}

// DeviceDouble is DeviceString for numbers.
func (v *Values) DeviceDouble(device, name string, def float64) float64 {
	return toFloat(v.DeviceString(device, name, ""), def)
}

func toFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}
