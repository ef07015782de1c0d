// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"fmt"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/config"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/protocol"
)

// Meteo value names pushed by the weather station.
const (
	ValueRain      = "RAIN"
	ValueWindSpeed = "WINDSPED"
)

// DomeOptions configures a Dome.
type DomeOptions struct {
	ServiceOptions
	// Meteo is the weather station peer. Empty means no station: the
	// dome stays unsafe and only opens with the weather override set.
	Meteo string
	// Values supplies max_windspeed for this device; it is read on every
	// push so reloads take effect immediately.
	Values func() *config.Values
	// DefaultMaxWind applies when no max_windspeed value is configured.
	DefaultMaxWind float64
	// Ignore starts with the weather override set.
	Ignore bool
}

// Dome is the enclosure service. On top of the base verbs it accepts
// "ignore on|off" and turns meteo pushes into safety reports.
type Dome struct {
	*Service
	dopts DomeOptions

	rain      bool
	windSpeed float64
	seen      bool
}

// NewDome returns a dome service around driver.
func NewDome(driver Driver, opts DomeOptions) *Dome {
	d := &Dome{Service: NewService(driver, opts.ServiceOptions), dopts: opts}
	d.commands.Handle("ignore", d.handleIgnore)
	d.values.Handle(ValueRain, d.handleRain)
	d.values.Handle(ValueWindSpeed, d.handleWind)
	return d
}

// Attach hooks the dome to b and subscribes to meteo link loss.
func (d *Dome) Attach(b *block.Block) {
	d.Service.Attach(b)
	now := b.Now()
	if d.dopts.Ignore {
		d.machine.SetIgnore(true, now)
	}
	if d.dopts.Meteo == "" {
		d.log.Warn().
			Str(log.FieldEvent, "dome.no_meteo").
			Bool("ignore", d.dopts.Ignore).
			Msg("no weather station configured, dome opens only with ignore set")
		return
	}
	b.Subscribe(block.EventConnectionClosed, func(ev block.Event) {
		cc, ok := ev.Payload.(block.ConnectionClosed)
		if !ok || cc.Name != d.dopts.Meteo || cc.Role != block.RoleOutbound {
			return
		}
		d.seen = false
		d.machine.SafetyChanged(true, "weather station disconnected", b.Now())
	})
}

func (d *Dome) maxWind() float64 {
	if d.dopts.Values == nil {
		return d.dopts.DefaultMaxWind
	}
	return d.dopts.Values().DeviceDouble(d.driver.Name(), "max_windspeed", d.dopts.DefaultMaxWind)
}

// windLimit is max_windspeed while the dome is open or opening. A closed
// dome opens only below max_peek_windspeed when that is lower.
func (d *Dome) windLimit() float64 {
	limit := d.maxWind()
	if d.dopts.Values == nil {
		return limit
	}
	switch d.machine.SubState() {
	case SubOpen, SubOpening:
		return limit
	}
	return min(limit, d.dopts.Values().DeviceDouble(d.driver.Name(), "max_peek_windspeed", limit))
}

func (d *Dome) fromMeteo(c *block.Connection) bool {
	return d.dopts.Meteo != "" && c != nil && c.Name() == d.dopts.Meteo
}

func (d *Dome) handleRain(c *block.Connection, req *protocol.Request) bool {
	if !d.fromMeteo(c) {
		return false
	}
	rain, err := req.NextBool()
	if err != nil {
		d.badValue(req, err)
		return true
	}
	d.rain = rain
	d.evaluate()
	return true
}

func (d *Dome) handleWind(c *block.Connection, req *protocol.Request) bool {
	if !d.fromMeteo(c) {
		return false
	}
	speed, err := req.NextFloat()
	if err != nil {
		d.badValue(req, err)
		return true
	}
	d.windSpeed = speed
	d.evaluate()
	return true
}

func (d *Dome) badValue(req *protocol.Request, err error) {
	d.log.Warn().
		Str(log.FieldEvent, "device.bad_meteo_value").
		Str(log.FieldLine, req.Raw).
		Err(err).
		Msg("ignoring malformed meteo value")
}

// evaluate reports the current meteo reading. Every push is a report, so a
// steady unsafe reading keeps pushing the next-open deadline out.
func (d *Dome) evaluate() {
	d.seen = true
	now := d.b.Now()
	limit := d.windLimit()
	switch {
	case d.rain:
		d.machine.SafetyChanged(true, "rain", now)
	case d.windSpeed > limit:
		d.machine.SafetyChanged(true, fmt.Sprintf("wind %.1f above %.1f", d.windSpeed, limit), now)
	default:
		d.machine.SafetyChanged(false, "", now)
	}
}

// Weather returns the last meteo reading and whether one was received
// since the station connected.
func (d *Dome) Weather() (rain bool, windSpeed float64, seen bool) {
	return d.rain, d.windSpeed, d.seen
}
