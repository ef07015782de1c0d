// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/spf13/pflag"
)

// ErrSimulatedFault is returned by simulators after FailNext.
var ErrSimulatedFault = errors.New("simulated fault")

// SimConfig configures a simulated device.
type SimConfig struct {
	Name         string
	OpenTime     time.Duration
	CloseTime    time.Duration
	PollInterval time.Duration
	Clock        block.Clock
}

// Sim is a timed open/close actuator without hardware. Motion completes
// after OpenTime or CloseTime measured on Clock.
type Sim struct {
	cfg SimConfig

	kind     string
	moving   SubState
	started  time.Time
	failNext error
	resets   int
	opens    int
	closes   int
}

// NewSimDome returns a simulated enclosure.
func NewSimDome(cfg SimConfig) *Sim {
	return newSim("dome", cfg)
}

// NewSimMount returns a simulated mount. Opening unparks, closing parks.
func NewSimMount(cfg SimConfig) *Sim {
	return newSim("mount", cfg)
}

func newSim(kind string, cfg SimConfig) *Sim {
	if cfg.Clock == nil {
		cfg.Clock = block.RealClock()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Sim{cfg: cfg, kind: kind, moving: SubClosed}
}

func (s *Sim) Name() string { return s.cfg.Name }

func (s *Sim) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&s.cfg.OpenTime, s.kind+"-open-time", s.cfg.OpenTime, "simulated "+s.kind+" open duration")
	fs.DurationVar(&s.cfg.CloseTime, s.kind+"-close-time", s.cfg.CloseTime, "simulated "+s.kind+" close duration")
}

func (s *Sim) Init(context.Context) error { return nil }

func (s *Sim) Info() (map[string]string, error) {
	return map[string]string{
		"type":       "sim-" + s.kind,
		"open_time":  s.cfg.OpenTime.String(),
		"close_time": s.cfg.CloseTime.String(),
		"opens":      strconv.Itoa(s.opens),
		"closes":     strconv.Itoa(s.closes),
	}, nil
}

// FailNext makes the next start or poll fail with err.
func (s *Sim) FailNext(err error) {
	if err == nil {
		err = ErrSimulatedFault
	}
	s.failNext = err
}

// Opens returns how many opens were started.
func (s *Sim) Opens() int { return s.opens }

// Closes returns how many closes were started.
func (s *Sim) Closes() int { return s.closes }

// Resets returns how many successful resets were performed.
func (s *Sim) Resets() int { return s.resets }

func (s *Sim) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Sim) StartOpen() error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.opens++
	s.moving = SubOpening
	s.started = s.cfg.Clock.Now()
	return nil
}

func (s *Sim) StartClose() error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.closes++
	s.moving = SubClosing
	s.started = s.cfg.Clock.Now()
	return nil
}

func (s *Sim) PollOpen() Poll { return s.poll(SubOpening, s.cfg.OpenTime) }

func (s *Sim) PollClose() Poll { return s.poll(SubClosing, s.cfg.CloseTime) }

func (s *Sim) poll(want SubState, total time.Duration) Poll {
	if err := s.takeFailure(); err != nil {
		return Failed(err)
	}
	if s.moving != want {
		return Failed(fmt.Errorf("%s poll while %s", want, s.moving))
	}
	remaining := total - s.cfg.Clock.Now().Sub(s.started)
	if remaining <= 0 {
		return Done()
	}
	return Moving(min(remaining, s.cfg.PollInterval))
}

func (s *Sim) Reset() error {
	if err := s.takeFailure(); err != nil {
		return err
	}
	s.resets++
	s.moving = SubClosed
	return nil
}
