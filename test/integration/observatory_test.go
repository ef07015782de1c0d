// SPDX-License-Identifier: MIT

//go:build integration

package test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/centrald"
	"github.com/ManuGH/obsnet/internal/device"
	"github.com/ManuGH/obsnet/internal/imgproc"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/ManuGH/obsnet/internal/store"
	"github.com/ManuGH/obsnet/test/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortTimeout() time.Duration { return 100 * time.Millisecond }

// TestRainClosesDomeAndRequestsStandby runs centrald, a meteo station and a
// dome over TCP: night opens the dome, rain closes it and the dome asks the
// coordinator for standby.
func TestRainClosesDomeAndRequestsStandby(t *testing.T) {
	coord := centrald.New(phase.Phase{Period: phase.Night})
	cb := block.New(block.Options{
		Name:         "centrald",
		SharedKey:    helpers.SharedKey,
		Commands:     coord.Commands(),
		OnOpen:       coord.OnOpen,
		IdleInterval: 20 * time.Millisecond,
	})
	coord.Attach(cb)
	central := helpers.RunNode(t, cb)

	var station *block.Connection
	meteo := helpers.StartNode(t, block.Options{
		Name: "meteo",
		OnOpen: func(c *block.Connection) {
			if c.Role() != block.RoleInbound {
				return
			}
			station = c
			_ = c.SendValue(device.ValueWindSpeed, 5.0)
			_ = c.SendValue(device.ValueRain, false)
		},
	})

	sim := device.NewSimDome(device.SimConfig{
		Name:         "dome",
		OpenTime:     50 * time.Millisecond,
		CloseTime:    50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	dome := device.NewDome(sim, device.DomeOptions{
		ServiceOptions: device.ServiceOptions{
			Coordinator:    "centrald",
			WeatherTimeout: shortTimeout,
			PollInterval:   10 * time.Millisecond,
		},
		Meteo:          "meteo",
		DefaultMaxWind: 50,
	})
	db := block.New(block.Options{
		Name:      "dome",
		SharedKey: helpers.SharedKey,
		Peers: map[string]string{
			"centrald": central.Addr.String(),
			"meteo":    meteo.Addr.String(),
		},
		AutoConnect:       []string{"centrald", "meteo"},
		Coordinator:       "centrald",
		Commands:          dome.Commands(),
		Values:            dome.Values(),
		IdleInterval:      10 * time.Millisecond,
		ReconnectInterval: 100 * time.Millisecond,
	})
	dome.Attach(db)
	domeNode := helpers.RunNode(t, db)

	domeNode.Eventually(t, func() bool {
		return dome.Machine().SubState() == device.SubOpen
	}, "dome never opened at night")

	meteo.On(t, func() {
		require.NotNil(t, station)
		require.NoError(t, station.SendValue(device.ValueRain, true))
	})

	central.Eventually(t, func() bool { return coord.Mode() == centrald.ModeStandby }, "coordinator not put in standby")
	domeNode.Eventually(t, func() bool {
		return dome.Machine().SubState() == device.SubClosed && db.Phase().Standby
	}, "dome did not close under standby")

	domeNode.On(t, func() {
		rain, _, seen := dome.Weather()
		assert.True(t, rain)
		assert.True(t, seen)
		assert.NotZero(t, dome.Machine().Flags()&device.FlagUnsafe)
	})
}

// TestAstrometryCorrectsMountOverTCP moves a mount, registers an image of
// that move with imgproc and waits for the solver's correction to land on
// the mount and the executor.
func TestAstrometryCorrectsMountOverTCP(t *testing.T) {
	mountSvc := device.NewMount(device.NewSimMount(device.SimConfig{
		Name:         "T0",
		OpenTime:     50 * time.Millisecond,
		CloseTime:    50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	}), device.ServiceOptions{PollInterval: 10 * time.Millisecond})
	mb := block.New(block.Options{
		Name:         "T0",
		SharedKey:    helpers.SharedKey,
		Commands:     mountSvc.Commands(),
		Values:       mountSvc.Values(),
		IdleInterval: 10 * time.Millisecond,
	})
	mountSvc.Attach(mb)
	mount := helpers.RunNode(t, mb)

	st, err := store.Open(filepath.Join(t.TempDir(), "images.db"), store.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	proc := imgproc.New(imgproc.Options{
		AstrometryExe:  "sh",
		AstrometryArgs: []string{"-c", `echo "1 10.5 -5.25 (3,6)"`, "astrometry"},
		Mount:          "T0",
		Ledger:         st,
	})
	ib := block.New(block.Options{
		Name:              "imgp",
		SharedKey:         helpers.SharedKey,
		Peers:             map[string]string{"T0": mount.Addr.String()},
		AutoConnect:       []string{"T0"},
		Commands:          proc.Commands(),
		IdleInterval:      10 * time.Millisecond,
		ReconnectInterval: 100 * time.Millisecond,
	})
	proc.Attach(ib)
	imgp := helpers.RunNode(t, ib)

	corrections := make(chan []string, 1)
	values := block.NewValueMux()
	values.Handle("correct", func(_ *block.Connection, req *protocol.Request) bool {
		corrections <- req.Params
		return true
	})
	executor := helpers.StartNode(t, block.Options{
		Name:        "executor",
		Peers:       map[string]string{"T0": mount.Addr.String(), "imgp": imgp.Addr.String()},
		AutoConnect: []string{"T0", "imgp"},
		Values:      values,
	})
	for _, peer := range []string{"T0", "imgp"} {
		executor.Eventually(t, func() bool {
			c, ok := executor.Block.FindByName(peer)
			return ok && c.State() == block.StateOpen
		}, "executor not connected to "+peer)
	}
	imgp.Eventually(t, func() bool {
		c, ok := ib.FindByName("T0")
		return ok && c.State() == block.StateOpen
	}, "imgproc not connected to mount")

	send := func(peer, line string) block.Outcome {
		t.Helper()
		out := make(chan block.Outcome, 1)
		executor.On(t, func() {
			c, ok := executor.Block.FindByName(peer)
			require.True(t, ok)
			_, err := c.Enqueue(line, func(_ *block.Command, o block.Outcome) { out <- o })
			require.NoError(t, err)
		})
		select {
		case o := <-out:
			return o
		case <-time.After(helpers.WaitTimeout):
			t.Fatalf("no reply to %q", line)
			return block.Outcome{}
		}
	}

	require.Equal(t, block.OutcomeOK, send("T0", "unpark").Kind)
	mount.Eventually(t, func() bool { return mountSvc.Machine().SubState() == device.SubOpen }, "mount not unparked")

	moved := send("T0", "move 10 -5")
	require.Equal(t, block.OutcomeOK, moved.Kind)

	queued := send("imgp", "image /data/a.fits 7 42 T0 1 open")
	require.Equal(t, block.OutcomeOK, queued.Kind)

	select {
	case params := <-corrections:
		assert.Equal(t, []string{"7", "1", "10.5", "-5.25", "0.05", "0.1"}, params)
	case <-time.After(helpers.WaitTimeout):
		t.Fatal("executor got no correction")
	}

	mount.Eventually(t, func() bool { return mountSvc.Corrections() == 1 }, "mount not corrected")
	mount.On(t, func() {
		ra, dec := mountSvc.Correction()
		assert.InDelta(t, 10.5, ra, 1e-9)
		assert.InDelta(t, -5.25, dec, 1e-9)
	})

	img, err := st.Image(context.Background(), "/data/a.fits")
	require.NoError(t, err)
	assert.Equal(t, store.ImageArchive, img.State)
}
