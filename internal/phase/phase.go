// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package phase defines the global operating phase broadcast by the
// coordinator and the intent every device derives from it.
package phase

import (
	"errors"
	"fmt"
	"strings"
)

// Period is the time-of-day part of the global phase.
type Period string

const (
	Off     Period = "off"
	Day     Period = "day"
	Evening Period = "evening"
	Dusk    Period = "dusk"
	Night   Period = "night"
	Dawn    Period = "dawn"
	Morning Period = "morning"
)

const standbyPrefix = "standby:"

// ErrUnknownPhase is returned by Parse for unrecognised names.
var ErrUnknownPhase = errors.New("unknown phase")

// Phase is the coordinator-broadcast operating mode: a period plus the
// standby flag the operator can set on top of it.
type Phase struct {
	Period  Period
	Standby bool
}

// Initial is the phase every process assumes before the coordinator speaks.
var Initial = Phase{Period: Off}

// Intent is what a device should do under a phase.
type Intent string

const (
	IntentNone    Intent = ""
	IntentObserve Intent = "observe"
	IntentStandby Intent = "standby"
	IntentOff     Intent = "off"
)

// Intent maps a phase to a device intent. Observation is only wanted in the
// dark periods without the standby flag; twilight-adjacent periods park the
// device in standby; anything else turns it off.
func (p Phase) Intent() Intent {
	if p.Period == Off {
		return IntentOff
	}
	if p.Standby {
		switch p.Period {
		case Evening, Dusk, Night, Dawn:
			return IntentStandby
		default:
			return IntentOff
		}
	}
	switch p.Period {
	case Dusk, Night, Dawn:
		return IntentObserve
	case Evening, Morning:
		return IntentStandby
	default:
		return IntentOff
	}
}

// String renders the wire form, e.g. "night" or "standby:night".
func (p Phase) String() string {
	if p.Standby && p.Period != Off {
		return standbyPrefix + string(p.Period)
	}
	return string(p.Period)
}

// Parse reads the wire form produced by String.
func Parse(s string) (Phase, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	standby := false
	if strings.HasPrefix(s, standbyPrefix) {
		standby = true
		s = strings.TrimPrefix(s, standbyPrefix)
	}
	period := Period(s)
	switch period {
	case Off:
		return Phase{Period: Off}, nil
	case Day, Evening, Dusk, Night, Dawn, Morning:
		return Phase{Period: period, Standby: standby}, nil
	}
	return Phase{}, fmt.Errorf("%w: %q", ErrUnknownPhase, s)
}

// WithStandby returns p with the standby flag set or cleared.
func (p Phase) WithStandby(standby bool) Phase {
	p.Standby = standby
	return p
}
