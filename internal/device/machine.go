// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package device implements the open/close state machine shared by
// enclosures and mounts, the drivers behind it and the services that bind a
// machine to a block.
package device

import (
	"fmt"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/metrics"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/rs/zerolog"
)

// MachineOptions configures a Machine.
type MachineOptions struct {
	// WeatherTimeout is how long opening stays forbidden after the last
	// unsafe report, and after start.
	WeatherTimeout func() time.Duration
	// PollInterval is the retry used when a driver returns zero.
	PollInterval time.Duration
	// Emit receives safety-lockout and device-fault events.
	Emit func(block.Event)
	// OnLockout runs after a lockout started closing, typically asking the
	// coordinator for standby.
	OnLockout func(reason string)
}

// LockoutPayload accompanies EventSafetyLockout.
type LockoutPayload struct {
	Device string
	Reason string
}

// Summary implements block.Summarizer.
func (p LockoutPayload) Summary() string { return p.Device + " " + p.Reason }

// FaultPayload accompanies EventDeviceFault.
type FaultPayload struct {
	Device string
	Err    error
}

// Summary implements block.Summarizer.
func (p FaultPayload) Summary() string {
	if p.Err == nil {
		return p.Device
	}
	return p.Device + " " + p.Err.Error()
}

// Machine drives a Driver through closed/opening/open/closing/error in
// response to phase changes, safety reports, operator commands and polls.
// It is not safe for concurrent use; the owning block's loop calls it.
type Machine struct {
	name   string
	driver Driver
	opts   MachineOptions
	log    zerolog.Logger

	sub      SubState
	flags    Flags
	phase    phase.Phase
	pending  phase.Intent
	nextOpen time.Time
	nextPoll time.Time
	lastErr  error
	// resetting is set while a ResetPoller driver recovers.
	resetting bool
}

// NewMachine starts closed and unsafe with opening forbidden until one
// weather timeout after now.
func NewMachine(driver Driver, opts MachineOptions, now time.Time) *Machine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.WeatherTimeout == nil {
		opts.WeatherTimeout = func() time.Duration { return 10 * time.Minute }
	}
	m := &Machine{
		name:   driver.Name(),
		driver: driver,
		opts:   opts,
		log:    log.WithComponent("device").With().Str(log.FieldDevice, driver.Name()).Logger(),
		sub:    SubClosed,
		flags:  FlagUnsafe,
		phase:  phase.Initial,
	}
	m.nextOpen = now.Add(opts.WeatherTimeout())
	metrics.SetDeviceSubState(m.name, m.sub.String(), subStateNames)
	return m
}

// Name returns the device name.
func (m *Machine) Name() string { return m.name }

// SubState returns the current sub-state.
func (m *Machine) SubState() SubState { return m.sub }

// Flags returns the current flags.
func (m *Machine) Flags() Flags { return m.flags }

// Word returns the composed state word.
func (m *Machine) Word() uint32 { return Word(m.sub, m.flags) }

// NextOpen returns the earliest time an automatic open may start.
func (m *Machine) NextOpen() time.Time { return m.nextOpen }

// NextPoll returns when the driver is polled next.
func (m *Machine) NextPoll() time.Time { return m.nextPoll }

// Pending returns the intent not yet acted on.
func (m *Machine) Pending() phase.Intent { return m.pending }

// Driver returns the underlying driver.
func (m *Machine) Driver() Driver { return m.driver }

// PhaseChanged records the new phase and acts on its intent. Standby and
// off clear the operator's weather override.
func (m *Machine) PhaseChanged(p phase.Phase, now time.Time) {
	m.phase = p
	m.pending = p.Intent()
	m.log.Info().
		Str(log.FieldEvent, "device.phase").
		Str(log.FieldPhase, p.String()).
		Str(log.FieldIntent, string(m.pending)).
		Msg("phase changed")
	if m.pending == phase.IntentStandby || m.pending == phase.IntentOff {
		m.flags &^= FlagIgnore
	}
	m.reconcile(now)
}

// SafetyChanged applies a safety report. Going unsafe while open or opening
// starts closing, pushes the next allowed open out by the weather timeout
// and drops the pending intent. Becoming safe never reopens by itself.
func (m *Machine) SafetyChanged(unsafe bool, reason string, now time.Time) {
	if !unsafe {
		if m.flags&FlagUnsafe != 0 {
			m.log.Info().Str(log.FieldEvent, "device.safe").Msg("environment safe")
		}
		m.flags &^= FlagUnsafe
		return
	}

	m.flags |= FlagUnsafe
	if until := now.Add(m.opts.WeatherTimeout()); until.After(m.nextOpen) {
		m.nextOpen = until
	}
	if m.flags&FlagIgnore != 0 {
		m.log.Warn().
			Str(log.FieldEvent, "device.unsafe_ignored").
			Str("reason", reason).
			Msg("unsafe report ignored by operator override")
		return
	}
	m.lockout(reason, now)
}

func (m *Machine) lockout(reason string, now time.Time) {
	if m.sub != SubOpen && m.sub != SubOpening {
		return
	}
	m.pending = phase.IntentNone
	if err := m.startClose(now); err != nil {
		return
	}
	metrics.IncSafetyLockout(m.name)
	m.log.Warn().
		Str(log.FieldEvent, "device.lockout").
		Str("reason", reason).
		Time("next_open", m.nextOpen).
		Msg("safety lockout, closing")
	m.emit(block.EventSafetyLockout, LockoutPayload{Device: m.name, Reason: reason})
	if m.opts.OnLockout != nil {
		m.opts.OnLockout(reason)
	}
}

// SetIgnore toggles the operator override of the weather interlock.
// Clearing it while unsafe and open triggers the lockout it was holding off.
func (m *Machine) SetIgnore(on bool, now time.Time) {
	if on {
		m.flags |= FlagIgnore
		m.reconcile(now)
		return
	}
	m.flags &^= FlagIgnore
	if m.flags&FlagUnsafe != 0 {
		m.lockout("weather override cleared", now)
	}
}

// Open is the operator open command. It overrides any pending intent.
func (m *Machine) Open(now time.Time) error {
	switch m.sub {
	case SubOpen, SubOpening:
		m.pending = phase.IntentNone
		return nil
	case SubClosing:
		return fmt.Errorf("%w: closing", ErrBusy)
	case SubError:
		return fmt.Errorf("%w: %v", ErrFault, m.lastErr)
	}
	if err := m.openAllowed(now); err != nil {
		return err
	}
	m.pending = phase.IntentNone
	return m.startOpen(now)
}

// Close is the operator close command. Closing is always allowed except
// while a reset is in flight.
func (m *Machine) Close(now time.Time) error {
	if m.resetting {
		return fmt.Errorf("%w: reset in progress", ErrBusy)
	}
	m.pending = phase.IntentNone
	switch m.sub {
	case SubClosed, SubClosing:
		return nil
	}
	return m.startClose(now)
}

// Reset asks the driver to recover from a fault. Success leaves the device
// closed with the fault cleared; failure keeps the fault, emits a
// device-fault event and is not retried. With a ResetPoller driver the
// outcome arrives through Idle.
func (m *Machine) Reset(now time.Time) error {
	if m.resetting {
		return fmt.Errorf("%w: reset in progress", ErrBusy)
	}
	if m.sub != SubError && m.flags&FlagFault == 0 {
		return ErrNotFaulted
	}
	if err := m.driver.Reset(); err != nil {
		m.resetFailed(err)
		return fmt.Errorf("%w: reset: %v", ErrFault, err)
	}
	if _, ok := m.driver.(ResetPoller); ok {
		m.resetting = true
		m.nextPoll = now
		m.log.Info().Str(log.FieldEvent, "device.reset_started").Msg("device reset started")
		return nil
	}
	return m.resetDone(now)
}

// Resetting reports whether a reset is waiting for the driver.
func (m *Machine) Resetting() bool { return m.resetting }

func (m *Machine) pollReset(now time.Time) {
	p := m.driver.(ResetPoller).PollReset()
	switch p.Status {
	case PollMoving:
		retry := p.Retry
		if retry <= 0 {
			retry = m.opts.PollInterval
		}
		m.nextPoll = now.Add(retry)
	case PollDone:
		m.resetting = false
		_ = m.resetDone(now)
	case PollFailed:
		m.resetting = false
		m.resetFailed(p.Err)
	}
}

func (m *Machine) resetFailed(err error) {
	m.lastErr = err
	m.flags |= FlagFault
	metrics.IncDeviceFault(m.name)
	m.log.Error().
		Str(log.FieldEvent, "device.reset_failed").
		Err(err).
		Msg("driver reset failed")
	m.emit(block.EventDeviceFault, FaultPayload{Device: m.name, Err: err})
}

func (m *Machine) resetDone(now time.Time) error {
	m.flags &^= FlagFault
	m.lastErr = nil
	if m.sub == SubError {
		if err := m.move(SubClosed); err != nil {
			return err
		}
	}
	m.log.Info().Str(log.FieldEvent, "device.reset").Msg("device reset")
	m.reconcile(now)
	return nil
}

// Idle polls a moving driver when due and retries a pending intent that
// was waiting for the weather deadline.
func (m *Machine) Idle(now time.Time) {
	if m.resetting {
		if !now.Before(m.nextPoll) {
			m.pollReset(now)
		}
		return
	}
	if m.sub.Transitional() {
		if !now.Before(m.nextPoll) {
			m.poll(now)
		}
		return
	}
	if m.pending != phase.IntentNone {
		m.reconcile(now)
	}
}

func (m *Machine) poll(now time.Time) {
	var p Poll
	if m.sub == SubOpening {
		p = m.driver.PollOpen()
	} else {
		p = m.driver.PollClose()
	}

	switch p.Status {
	case PollMoving:
		retry := p.Retry
		if retry <= 0 {
			retry = m.opts.PollInterval
		}
		m.nextPoll = now.Add(retry)
	case PollDone:
		settled := SubClosed
		if m.sub == SubOpening {
			settled = SubOpen
		}
		if err := m.move(settled); err != nil {
			return
		}
		m.reconcile(now)
	case PollFailed:
		m.fault(p.Err)
	}
}

// reconcile acts on the pending intent when the current state allows it.
// A reset in flight holds the intent until it resolves.
func (m *Machine) reconcile(now time.Time) {
	if m.resetting {
		return
	}
	switch m.pending {
	case phase.IntentObserve:
		switch m.sub {
		case SubOpen, SubOpening:
			m.pending = phase.IntentNone
		case SubClosed:
			if m.openAllowed(now) != nil {
				return
			}
			m.pending = phase.IntentNone
			_ = m.startOpen(now)
		}
	case phase.IntentStandby, phase.IntentOff:
		switch m.sub {
		case SubOpen, SubOpening, SubError:
			m.pending = phase.IntentNone
			_ = m.startClose(now)
		default:
			m.pending = phase.IntentNone
		}
	}
}

func (m *Machine) openAllowed(now time.Time) error {
	if m.flags&FlagFault != 0 {
		return fmt.Errorf("%w: %v", ErrFault, m.lastErr)
	}
	if m.flags&FlagIgnore != 0 {
		return nil
	}
	if m.flags&FlagUnsafe != 0 {
		return fmt.Errorf("%w: environment unsafe", ErrLockedOut)
	}
	if now.Before(m.nextOpen) {
		return fmt.Errorf("%w: opening allowed after %s", ErrLockedOut, m.nextOpen.Format(time.RFC3339))
	}
	return nil
}

func (m *Machine) startOpen(now time.Time) error {
	if !canMove(m.sub, SubOpening) {
		return m.illegal(SubOpening)
	}
	if err := m.driver.StartOpen(); err != nil {
		m.fault(err)
		return fmt.Errorf("%w: start open: %v", ErrFault, err)
	}
	m.nextPoll = now
	return m.move(SubOpening)
}

func (m *Machine) startClose(now time.Time) error {
	if !canMove(m.sub, SubClosing) {
		return m.illegal(SubClosing)
	}
	if err := m.driver.StartClose(); err != nil {
		m.fault(err)
		return fmt.Errorf("%w: start close: %v", ErrFault, err)
	}
	m.nextPoll = now
	return m.move(SubClosing)
}

func (m *Machine) fault(err error) {
	m.lastErr = err
	m.flags |= FlagFault
	if m.sub != SubError {
		_ = m.move(SubError)
	}
	metrics.IncDeviceFault(m.name)
	m.log.Error().
		Str(log.FieldEvent, "device.fault").
		Err(err).
		Msg("device fault")
	m.emit(block.EventDeviceFault, FaultPayload{Device: m.name, Err: err})
}

func (m *Machine) move(to SubState) error {
	from := m.sub
	if from == to {
		return nil
	}
	if !canMove(from, to) {
		return m.illegal(to)
	}
	m.sub = to
	metrics.RecordDeviceTransition(m.name, from.String(), to.String())
	metrics.SetDeviceSubState(m.name, to.String(), subStateNames)
	m.log.Info().
		Str(log.FieldEvent, "device.transition").
		Str(log.FieldOldState, from.String()).
		Str(log.FieldNewState, to.String()).
		Str("flags", m.flags.String()).
		Msg("device state changed")
	return nil
}

func (m *Machine) illegal(to SubState) error {
	m.log.Error().
		Str(log.FieldEvent, "device.illegal_transition").
		Str(log.FieldOldState, m.sub.String()).
		Str(log.FieldNewState, to.String()).
		Msg("illegal device transition")
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.sub, to)
}

func (m *Machine) emit(t block.EventType, payload any) {
	if m.opts.Emit != nil {
		m.opts.Emit(block.Event{Type: t, Source: m.name, Payload: payload})
	}
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	Device    string    `json:"device"`
	SubState  string    `json:"sub_state"`
	Flags     []string  `json:"flags"`
	Word      uint32    `json:"word"`
	Phase     string    `json:"phase"`
	Pending   string    `json:"pending_intent,omitempty"`
	NextOpen  time.Time `json:"next_open"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot returns the machine's current state.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		Device:   m.name,
		SubState: m.sub.String(),
		Flags:    m.flags.Names(),
		Word:     m.Word(),
		Phase:    m.phase.String(),
		Pending:  string(m.pending),
		NextOpen: m.nextOpen,
	}
	if s.Flags == nil {
		s.Flags = []string{}
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}
