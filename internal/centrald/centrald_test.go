// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package centrald

import (
	"testing"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	c      *Coordinator
	b      *block.Block
	dome   *block.Connection
	domeLB *block.Loopback
	phases []phase.Phase
}

func newFixture(t *testing.T, initial phase.Phase) *fixture {
	t.Helper()
	f := &fixture{c: New(initial)}
	f.b = block.New(block.Options{Name: "centrald", Commands: f.c.Commands(), OnOpen: f.c.OnOpen})
	f.b.OnPhase(func(p phase.Phase) { f.phases = append(f.phases, p) })
	f.c.Attach(f.b)
	f.dome, f.domeLB = f.b.OpenLoopback(block.RoleInbound, "dome")
	return f
}

func (f *fixture) command(t *testing.T, line string) string {
	t.Helper()
	f.dome.Receive(line)
	lines := f.domeLB.Lines()
	require.NotEmpty(t, lines)
	return lines[len(lines)-1]
}

func TestNewConnectionGetsCurrentPhase(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Night})
	assert.Equal(t, []string{"phase night"}, f.domeLB.Lines())
	assert.Equal(t, []phase.Phase{{Period: phase.Night}}, f.phases)
}

func TestModesDerivePhase(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Night})
	f.domeLB.Lines()

	tests := []struct {
		line  string
		reply string
		push  string
	}{
		{"standby", "+000 standby:night", "phase standby:night"},
		{"off", "+000 off", "phase off"},
		{"on", "+000 night", "phase night"},
		{"phase dawn", "+000 dawn", "phase dawn"},
		{"phase standby:dusk", "+000 standby:dusk", "phase standby:dusk"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			f.dome.Receive(tt.line)
			assert.Equal(t, []string{tt.push, tt.reply}, f.domeLB.Lines())
		})
	}
	assert.Equal(t, ModeStandby, f.c.Mode())
}

func TestUnchangedPhaseIsNotRebroadcast(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Night})
	f.domeLB.Lines()

	assert.Equal(t, "+000 night", f.command(t, "on"))
	assert.Len(t, f.phases, 1)
}

func TestOffModeSurvivesPeriodChanges(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Off})
	f.domeLB.Lines()

	f.c.SetPeriod(phase.Night)
	assert.Equal(t, phase.Phase{Period: phase.Off}, f.c.Phase())
	assert.Empty(t, f.domeLB.Lines())

	f.c.On()
	assert.Equal(t, phase.Phase{Period: phase.Night}, f.c.Phase())
	assert.Equal(t, []string{"phase night"}, f.domeLB.Lines())
}

func TestPhaseCommandKeepsOffMode(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Night})
	f.domeLB.Lines()

	assert.Equal(t, "+000 off", f.command(t, "off"))
	f.domeLB.Lines()

	assert.Equal(t, "+000 off", f.command(t, "phase dawn"))
	assert.Equal(t, ModeOff, f.c.Mode())
	assert.Equal(t, "+000 off", f.command(t, "phase standby:dusk"))
	assert.Equal(t, ModeOff, f.c.Mode())
	assert.Equal(t, "+000 phase=off period=dusk mode=off", f.command(t, "info"))

	assert.Equal(t, "+000 dusk", f.command(t, "on"))
	assert.Equal(t, ModeOn, f.c.Mode())
}

func TestOffPeriodSwitchesModeOff(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Night})
	f.domeLB.Lines()

	assert.Equal(t, "+000 off", f.command(t, "phase off"))
	assert.Equal(t, ModeOff, f.c.Mode())
	assert.Equal(t, "+000 night", f.command(t, "on"), "the period survives the off phase")
}

func TestPhaseCommandQueryAndErrors(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Evening, Standby: true})
	f.domeLB.Lines()

	assert.Equal(t, "+000 standby:evening", f.command(t, "phase"))
	assert.Equal(t, "-002 unknown phase: \"noon\"", f.command(t, "phase noon"))
	assert.Equal(t, "+000 phase=standby:evening period=evening mode=standby", f.command(t, "info"))
}

func TestOutboundConnectionsAreNotSubscribed(t *testing.T) {
	f := newFixture(t, phase.Phase{Period: phase.Night})
	_, lb := f.b.OpenLoopback(block.RoleOutbound, "meteo")
	f.c.Standby()
	assert.Empty(t, lb.Lines())
}
