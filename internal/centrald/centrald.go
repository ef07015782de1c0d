// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package centrald is the coordinator role: it owns the global phase and
// pushes it to every connected device.
package centrald

import (
	"fmt"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/rs/zerolog"
)

// Mode is the operator switch on top of the period.
type Mode string

const (
	ModeOn      Mode = "on"
	ModeStandby Mode = "standby"
	ModeOff     Mode = "off"
)

// Coordinator holds the period and the operator mode. The effective phase
// is derived from both and broadcast whenever it changes.
type Coordinator struct {
	log      zerolog.Logger
	commands *block.CommandMux
	b        *block.Block

	period phase.Period
	mode   Mode
}

// New returns a coordinator starting at initial. A standby flag in initial
// starts in standby mode; the off period starts in off mode.
func New(initial phase.Phase) *Coordinator {
	c := &Coordinator{
		log:      log.WithComponent("centrald"),
		commands: block.NewCommandMux(),
		period:   initial.Period,
		mode:     ModeOn,
	}
	switch {
	case initial.Period == phase.Off:
		c.mode = ModeOff
	case initial.Standby:
		c.mode = ModeStandby
	}
	c.commands.Handle("on", c.modeHandler(ModeOn))
	c.commands.Handle("standby", c.modeHandler(ModeStandby))
	c.commands.Handle("off", c.modeHandler(ModeOff))
	c.commands.Handle("phase", c.handlePhase)
	c.commands.Handle("info", c.handleInfo)
	return c
}

// Commands returns the command mux for block.Options.Commands.
func (c *Coordinator) Commands() *block.CommandMux { return c.commands }

// Attach binds the coordinator to b and announces the starting phase.
func (c *Coordinator) Attach(b *block.Block) {
	c.b = b
	b.BroadcastPhase(c.Phase())
}

// OnOpen is the block's OnOpen hook. Devices connect to the coordinator,
// so every accepted connection subscribes to phase pushes and gets the
// current phase at once.
func (c *Coordinator) OnOpen(conn *block.Connection) {
	if conn.Role() != block.RoleInbound {
		return
	}
	conn.ForwardPhase(true)
	if err := conn.SendValue("phase", c.Phase().String()); err != nil {
		c.log.Warn().Str(log.FieldPeer, conn.Name()).Err(err).Msg("could not push phase")
	}
}

// Phase returns the effective phase.
func (c *Coordinator) Phase() phase.Phase {
	switch c.mode {
	case ModeOff:
		return phase.Phase{Period: phase.Off}
	case ModeStandby:
		return phase.Phase{Period: c.period, Standby: true}
	default:
		return phase.Phase{Period: c.period}
	}
}

// Mode returns the operator mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// SetPeriod moves to the next period of the night, keeping the mode.
func (c *Coordinator) SetPeriod(p phase.Period) {
	c.update(p, c.mode)
}

// SetPhase applies a full phase. The off period switches the mode off and
// keeps the current period for a later "on". In off mode only the period
// changes; leaving off takes an explicit On. Otherwise the standby flag
// selects the mode.
func (c *Coordinator) SetPhase(p phase.Phase) {
	switch {
	case p.Period == phase.Off:
		c.update(c.period, ModeOff)
	case c.mode == ModeOff:
		c.update(p.Period, ModeOff)
	case p.Standby:
		c.update(p.Period, ModeStandby)
	default:
		c.update(p.Period, ModeOn)
	}
}

// On, Standby and Off switch the operator mode.
func (c *Coordinator) On()      { c.update(c.period, ModeOn) }
func (c *Coordinator) Standby() { c.update(c.period, ModeStandby) }
func (c *Coordinator) Off()     { c.update(c.period, ModeOff) }

func (c *Coordinator) update(period phase.Period, mode Mode) {
	prev := c.Phase()
	c.period, c.mode = period, mode
	next := c.Phase()
	if next == prev {
		return
	}
	c.log.Info().
		Str(log.FieldEvent, "centrald.phase").
		Str(log.FieldOldState, prev.String()).
		Str(log.FieldNewState, next.String()).
		Str("mode", string(mode)).
		Msg("phase changed")
	if c.b != nil {
		c.b.BroadcastPhase(next)
	}
}

func (c *Coordinator) modeHandler(mode Mode) block.CommandHandlerFunc {
	return func(_ *block.Connection, req *protocol.Request) protocol.Reply {
		if err := req.End(); err != nil {
			return block.ParamError(err)
		}
		c.update(c.period, mode)
		return block.OK(c.Phase().String())
	}
}

// handlePhase reports the phase, or sets it: phase [name]
func (c *Coordinator) handlePhase(_ *block.Connection, req *protocol.Request) protocol.Reply {
	if req.Remaining() == 0 {
		return block.OK(c.Phase().String())
	}
	raw, err := req.NextString()
	if err != nil {
		return block.ParamError(err)
	}
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	p, err := phase.Parse(raw)
	if err != nil {
		return block.ParamError(err)
	}
	c.SetPhase(p)
	return block.OK(c.Phase().String())
}

func (c *Coordinator) handleInfo(_ *block.Connection, req *protocol.Request) protocol.Reply {
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	return block.OK(fmt.Sprintf("phase=%s period=%s mode=%s", c.Phase(), c.period, c.mode))
}
