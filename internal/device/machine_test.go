// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"testing"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const weatherTimeout = 10 * time.Minute

type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type machineFixture struct {
	m        *Machine
	sim      *Sim
	clk      *testClock
	events   []block.Event
	lockouts []string
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	f := &machineFixture{clk: newTestClock()}
	f.sim = NewSimDome(SimConfig{
		Name:         "dome",
		OpenTime:     20 * time.Second,
		CloseTime:    20 * time.Second,
		PollInterval: 5 * time.Second,
		Clock:        f.clk,
	})
	f.m = NewMachine(f.sim, MachineOptions{
		WeatherTimeout: func() time.Duration { return weatherTimeout },
		PollInterval:   time.Second,
		Emit:           func(ev block.Event) { f.events = append(f.events, ev) },
		OnLockout:      func(reason string) { f.lockouts = append(f.lockouts, reason) },
	}, f.clk.Now())
	return f
}

// ready moves past the startup lockout with a safe environment.
func (f *machineFixture) ready() {
	f.clk.Advance(weatherTimeout + time.Minute)
	f.m.SafetyChanged(false, "", f.clk.Now())
}

// settle ticks the machine until motion completes.
func (f *machineFixture) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 50 && f.m.SubState().Transitional(); i++ {
		f.m.Idle(f.clk.Now())
		if f.m.SubState().Transitional() {
			f.clk.Advance(5 * time.Second)
		}
	}
	require.False(t, f.m.SubState().Transitional(), "device still %s", f.m.SubState())
}

func (f *machineFixture) eventTypes() []block.EventType {
	var out []block.EventType
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

var night = phase.Phase{Period: phase.Night}

func TestStartsClosedAndUnsafe(t *testing.T) {
	f := newMachineFixture(t)
	assert.Equal(t, SubClosed, f.m.SubState())
	assert.Equal(t, FlagUnsafe, f.m.Flags())
	assert.Equal(t, f.clk.Now().Add(weatherTimeout), f.m.NextOpen())
	assert.Equal(t, uint32(0x10), f.m.Word())
}

func TestNightSafeClosedOpensOnce(t *testing.T) {
	f := newMachineFixture(t)
	f.ready()

	f.m.PhaseChanged(night, f.clk.Now())
	assert.Equal(t, SubOpening, f.m.SubState())
	assert.Equal(t, 1, f.sim.Opens())
	assert.Equal(t, phase.IntentNone, f.m.Pending())

	f.m.PhaseChanged(night, f.clk.Now())
	f.m.Idle(f.clk.Now())
	assert.Equal(t, 1, f.sim.Opens(), "repeated observe intent must not restart motion")

	f.settle(t)
	assert.Equal(t, SubOpen, f.m.SubState())
	assert.Equal(t, 1, f.sim.Opens())
}

func TestObserveWaitsForWeatherDeadline(t *testing.T) {
	f := newMachineFixture(t)
	f.m.SafetyChanged(false, "", f.clk.Now())

	f.m.PhaseChanged(night, f.clk.Now())
	assert.Equal(t, SubClosed, f.m.SubState())
	assert.Equal(t, phase.IntentObserve, f.m.Pending())

	f.clk.Advance(weatherTimeout - time.Second)
	f.m.Idle(f.clk.Now())
	assert.Equal(t, SubClosed, f.m.SubState())

	f.clk.Advance(time.Second)
	f.m.Idle(f.clk.Now())
	assert.Equal(t, SubOpening, f.m.SubState())
	assert.Equal(t, 1, f.sim.Opens())
}

func TestPollMovingReschedulesDeadline(t *testing.T) {
	f := newMachineFixture(t)
	f.ready()
	f.m.PhaseChanged(night, f.clk.Now())

	start := f.clk.Now()
	f.m.Idle(start)
	assert.Equal(t, SubOpening, f.m.SubState())
	assert.Equal(t, start.Add(5*time.Second), f.m.NextPoll())

	f.clk.Advance(3 * time.Second)
	f.m.Idle(f.clk.Now())
	assert.Equal(t, start.Add(5*time.Second), f.m.NextPoll(), "no poll before the deadline")
	assert.Equal(t, SubOpening, f.m.SubState())
}

func TestUnsafeWhileActiveForcesClosing(t *testing.T) {
	for _, active := range []SubState{SubOpening, SubOpen} {
		t.Run(active.String(), func(t *testing.T) {
			f := newMachineFixture(t)
			f.ready()
			f.m.PhaseChanged(night, f.clk.Now())
			if active == SubOpen {
				f.settle(t)
			}
			require.Equal(t, active, f.m.SubState())

			f.m.SafetyChanged(true, "rain", f.clk.Now())

			assert.Equal(t, SubClosing, f.m.SubState())
			assert.Equal(t, f.clk.Now().Add(weatherTimeout), f.m.NextOpen())
			assert.Equal(t, phase.IntentNone, f.m.Pending())
			assert.Equal(t, []block.EventType{block.EventSafetyLockout}, f.eventTypes())
			assert.Equal(t, []string{"rain"}, f.lockouts)

			f.m.SafetyChanged(false, "", f.clk.Now())
			f.settle(t)
			assert.Equal(t, SubClosed, f.m.SubState())
			assert.Equal(t, 1, f.sim.Opens(), "becoming safe must not reopen")
		})
	}
}

func TestNextOpenIsMonotonic(t *testing.T) {
	f := newMachineFixture(t)
	first := f.m.NextOpen()
	f.clk.Advance(-time.Minute)
	f.m.SafetyChanged(true, "wind", f.clk.Now())
	assert.Equal(t, first, f.m.NextOpen())

	f.clk.Advance(5 * time.Minute)
	f.m.SafetyChanged(true, "wind", f.clk.Now())
	assert.Equal(t, f.clk.Now().Add(weatherTimeout), f.m.NextOpen())
}

func TestOffClosesFromAnySubState(t *testing.T) {
	setups := map[string]func(f *machineFixture, t *testing.T){
		"closed": func(*machineFixture, *testing.T) {},
		"opening": func(f *machineFixture, _ *testing.T) {
			f.m.PhaseChanged(night, f.clk.Now())
		},
		"open": func(f *machineFixture, t *testing.T) {
			f.m.PhaseChanged(night, f.clk.Now())
			f.settle(t)
		},
		"closing": func(f *machineFixture, t *testing.T) {
			f.m.PhaseChanged(night, f.clk.Now())
			f.settle(t)
			require.NoError(t, f.m.Close(f.clk.Now()))
		},
		"error": func(f *machineFixture, _ *testing.T) {
			f.m.PhaseChanged(night, f.clk.Now())
			f.sim.FailNext(nil)
			f.m.Idle(f.clk.Now())
		},
	}
	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			f := newMachineFixture(t)
			f.ready()
			setup(f, t)
			require.Equal(t, name, f.m.SubState().String())

			f.m.PhaseChanged(phase.Phase{Period: phase.Off}, f.clk.Now())
			f.settle(t)
			assert.Equal(t, SubClosed, f.m.SubState())
		})
	}
}

func TestPollFailureFaultsAndResetRecovers(t *testing.T) {
	f := newMachineFixture(t)
	f.ready()
	f.m.PhaseChanged(night, f.clk.Now())
	f.sim.FailNext(nil)
	f.m.Idle(f.clk.Now())

	assert.Equal(t, SubError, f.m.SubState())
	assert.NotZero(t, f.m.Flags()&FlagFault)
	assert.Equal(t, []block.EventType{block.EventDeviceFault}, f.eventTypes())
	assert.ErrorIs(t, f.m.Open(f.clk.Now()), ErrFault)

	f.sim.FailNext(nil)
	err := f.m.Reset(f.clk.Now())
	assert.ErrorIs(t, err, ErrFault)
	assert.Equal(t, SubError, f.m.SubState(), "failed reset is not retried")
	assert.Equal(t, []block.EventType{block.EventDeviceFault, block.EventDeviceFault}, f.eventTypes())

	require.NoError(t, f.m.Reset(f.clk.Now()))
	assert.Equal(t, SubClosed, f.m.SubState())
	assert.Zero(t, f.m.Flags()&FlagFault)
	assert.Equal(t, 1, f.sim.Resets())

	assert.ErrorIs(t, f.m.Reset(f.clk.Now()), ErrNotFaulted)
}

func TestFaultBlocksOpenUntilReset(t *testing.T) {
	f := newMachineFixture(t)
	f.ready()
	f.m.PhaseChanged(night, f.clk.Now())
	f.sim.FailNext(nil)
	f.m.Idle(f.clk.Now())

	f.m.PhaseChanged(phase.Phase{Period: phase.Evening}, f.clk.Now())
	f.settle(t)
	require.Equal(t, SubClosed, f.m.SubState())

	f.m.PhaseChanged(night, f.clk.Now())
	f.m.Idle(f.clk.Now())
	assert.Equal(t, SubClosed, f.m.SubState())
	assert.Equal(t, phase.IntentObserve, f.m.Pending())

	require.NoError(t, f.m.Reset(f.clk.Now()))
	assert.Equal(t, SubOpening, f.m.SubState(), "pending observe resumes after reset")
}

func TestIgnoreOverridesInterlock(t *testing.T) {
	f := newMachineFixture(t)
	now := f.clk.Now()
	assert.ErrorIs(t, f.m.Open(now), ErrLockedOut)

	f.m.SetIgnore(true, now)
	require.NoError(t, f.m.Open(now))
	assert.Equal(t, SubOpening, f.m.SubState())

	f.m.SafetyChanged(true, "wind", now)
	assert.Equal(t, SubOpening, f.m.SubState())
	assert.Empty(t, f.events)

	f.m.SetIgnore(false, now)
	assert.Equal(t, SubClosing, f.m.SubState())
	assert.Equal(t, []block.EventType{block.EventSafetyLockout}, f.eventTypes())
}

func TestStandbyClearsIgnore(t *testing.T) {
	f := newMachineFixture(t)
	f.m.SetIgnore(true, f.clk.Now())
	f.m.PhaseChanged(phase.Phase{Period: phase.Night, Standby: true}, f.clk.Now())
	assert.Zero(t, f.m.Flags()&FlagIgnore)
}

func TestOperatorCommands(t *testing.T) {
	f := newMachineFixture(t)
	f.m.SafetyChanged(false, "", f.clk.Now())
	assert.ErrorIs(t, f.m.Open(f.clk.Now()), ErrLockedOut, "startup deadline still applies")

	f.m.PhaseChanged(night, f.clk.Now())
	require.Equal(t, phase.IntentObserve, f.m.Pending())
	require.NoError(t, f.m.Close(f.clk.Now()))
	assert.Equal(t, phase.IntentNone, f.m.Pending(), "operator close drops the pending intent")

	f.clk.Advance(weatherTimeout)
	f.m.Idle(f.clk.Now())
	assert.Equal(t, SubClosed, f.m.SubState())

	require.NoError(t, f.m.Open(f.clk.Now()))
	f.settle(t)
	require.NoError(t, f.m.Close(f.clk.Now()))
	assert.ErrorIs(t, f.m.Open(f.clk.Now()), ErrBusy)
}

func TestSnapshot(t *testing.T) {
	f := newMachineFixture(t)
	snap := f.m.Snapshot()
	assert.Equal(t, "dome", snap.Device)
	assert.Equal(t, "closed", snap.SubState)
	assert.Equal(t, []string{"unsafe"}, snap.Flags)
	assert.Equal(t, "off", snap.Phase)
	assert.Empty(t, snap.LastError)
}

func TestWordComposition(t *testing.T) {
	w := Word(SubOpening, FlagUnsafe|FlagFault)
	assert.Equal(t, uint32(0x51), w)
	sub, flags := SplitWord(w)
	assert.Equal(t, SubOpening, sub)
	assert.Equal(t, FlagUnsafe|FlagFault, flags)
	assert.Equal(t, "unsafe|fault", flags.String())
}
