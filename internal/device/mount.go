// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"strconv"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/protocol"
)

// Mount is the telescope mount service. Open unparks, close parks. Every
// accepted move bumps the move mark; corrections computed from an image
// taken under an older mark are refused as stale.
type Mount struct {
	*Service

	ra, dec     float64
	corrRA      float64
	corrDec     float64
	mark        int64
	corrections int
}

// NewMount returns a mount service around driver.
func NewMount(driver Driver, opts ServiceOptions) *Mount {
	// No weather interlock, so no startup deadline either.
	opts.WeatherTimeout = func() time.Duration { return 0 }
	m := &Mount{Service: NewService(driver, opts)}
	m.commands.Handle("park", m.handleClose)
	m.commands.Handle("unpark", m.handleOpen)
	m.commands.Handle("move", m.handleMove)
	m.commands.Handle("correct", m.handleCorrect)
	m.infoExtra = m.addInfo
	return m
}

// Attach hooks the mount to b. A mount has no weather interlock of its own.
func (m *Mount) Attach(b *block.Block) {
	m.Service.Attach(b)
	m.machine.SafetyChanged(false, "", b.Now())
}

func (m *Mount) handleMove(_ *block.Connection, req *protocol.Request) protocol.Reply {
	ra, err := req.NextFloat()
	if err != nil {
		return block.ParamError(err)
	}
	dec, err := req.NextFloat()
	if err != nil {
		return block.ParamError(err)
	}
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	if ra < 0 || ra >= 360 || dec < -90 || dec > 90 {
		return block.Fail(protocol.StatusInvalidParams, "position out of range: %g %g", ra, dec)
	}
	if sub := m.machine.SubState(); sub != SubOpen {
		return block.Fail(protocol.StatusNotAllowed, "mount is %s", sub)
	}
	m.ra, m.dec = ra, dec
	m.corrRA, m.corrDec = 0, 0
	m.mark++
	m.log.Info().
		Str(log.FieldEvent, "mount.move").
		Float64("ra", ra).
		Float64("dec", dec).
		Int64("mark", m.mark).
		Msg("mount moved")
	return block.OK(strconv.FormatInt(m.mark, 10))
}

func (m *Mount) handleCorrect(_ *block.Connection, req *protocol.Request) protocol.Reply {
	mark, err := req.NextInt()
	if err != nil {
		return block.ParamError(err)
	}
	var v [4]float64
	for i := range v {
		if v[i], err = req.NextFloat(); err != nil {
			return block.ParamError(err)
		}
	}
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	if mark != m.mark {
		m.log.Info().
			Str(log.FieldEvent, "mount.stale_correction").
			Int64("mark", mark).
			Int64("current_mark", m.mark).
			Msg("correction for an earlier move ignored")
		return block.Fail(protocol.StatusFailed, "stale correction")
	}
	m.corrRA += v[0]
	m.corrDec += v[1]
	m.corrections++
	m.log.Info().
		Str(log.FieldEvent, "mount.correct").
		Int64("mark", mark).
		Float64("ra", v[0]).
		Float64("dec", v[1]).
		Float64("ra_err", v[2]).
		Float64("dec_err", v[3]).
		Msg("pointing corrected")
	return block.OK("corrected")
}

func (m *Mount) addInfo(info map[string]string) {
	info["ra"] = strconv.FormatFloat(m.ra, 'f', 6, 64)
	info["dec"] = strconv.FormatFloat(m.dec, 'f', 6, 64)
	info["corr_ra"] = strconv.FormatFloat(m.corrRA, 'f', 6, 64)
	info["corr_dec"] = strconv.FormatFloat(m.corrDec, 'f', 6, 64)
	info["mark"] = strconv.FormatInt(m.mark, 10)
	info["corrections"] = strconv.Itoa(m.corrections)
}

// Mark returns the current move mark.
func (m *Mount) Mark() int64 { return m.mark }

// Correction returns the accumulated pointing correction for the current move.
func (m *Mount) Correction() (ra, dec float64) { return m.corrRA, m.corrDec }

// Corrections returns how many corrections were applied.
func (m *Mount) Corrections() int { return m.corrections }
