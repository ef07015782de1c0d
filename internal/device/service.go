// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/ManuGH/obsnet/internal/log"
	"github.com/ManuGH/obsnet/internal/phase"
	"github.com/ManuGH/obsnet/internal/protocol"
	"github.com/rs/zerolog"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Coordinator is the peer asked for standby after a safety lockout.
	Coordinator    string
	WeatherTimeout func() time.Duration
	PollInterval   time.Duration
}

// Service binds a Machine to a block: phase pushes, idle ticks and the
// device command verbs all reach the machine on the loop goroutine.
//
// Build the service first, hand Commands and Values to block.New, then
// call Attach with the new block.
type Service struct {
	driver Driver
	opts   ServiceOptions
	log    zerolog.Logger

	commands *block.CommandMux
	values   *block.ValueMux

	b       *block.Block
	machine *Machine
	// infoExtra adds service specific fields to the info reply.
	infoExtra func(info map[string]string)
}

// NewService returns a service exposing open, close, reset and info.
func NewService(driver Driver, opts ServiceOptions) *Service {
	s := &Service{
		driver:   driver,
		opts:     opts,
		log:      log.WithComponent("device").With().Str(log.FieldDevice, driver.Name()).Logger(),
		commands: block.NewCommandMux(),
		values:   block.NewValueMux(),
	}
	s.commands.Handle("open", s.handleOpen)
	s.commands.Handle("close", s.handleClose)
	s.commands.Handle("reset", s.handleReset)
	s.commands.Handle("info", s.handleInfo)
	return s
}

// Commands returns the command mux for block.Options.Commands.
func (s *Service) Commands() *block.CommandMux { return s.commands }

// Values returns the value mux for block.Options.Values.
func (s *Service) Values() *block.ValueMux { return s.values }

// Machine returns the state machine, nil before Attach.
func (s *Service) Machine() *Machine { return s.machine }

// Block returns the attached block, nil before Attach.
func (s *Service) Block() *block.Block { return s.b }

// Attach creates the machine and hooks it to b. Call it before b.Run or
// from the loop goroutine.
func (s *Service) Attach(b *block.Block) {
	s.b = b
	if r, ok := s.driver.(*Remote); ok {
		r.Bind(b)
	}
	s.machine = NewMachine(s.driver, MachineOptions{
		WeatherTimeout: s.opts.WeatherTimeout,
		PollInterval:   s.opts.PollInterval,
		Emit:           b.BroadcastEvent,
		OnLockout:      s.requestStandby,
	}, b.Now())
	b.OnPhase(func(p phase.Phase) { s.machine.PhaseChanged(p, b.Now()) })
	b.AddIdler(s.machine.Idle)
}

// Init initializes the driver.
func (s *Service) Init(ctx context.Context) error {
	if err := s.driver.Init(ctx); err != nil {
		return fmt.Errorf("init %s: %w", s.driver.Name(), err)
	}
	return nil
}

// Status returns the machine snapshot through the loop.
func (s *Service) Status(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.b.Do(ctx, func() { snap = s.machine.Snapshot() })
	return snap, err
}

func (s *Service) requestStandby(reason string) {
	if s.opts.Coordinator == "" {
		return
	}
	c, ok := s.b.FindByName(s.opts.Coordinator)
	if !ok {
		s.log.Warn().
			Str(log.FieldEvent, "device.standby_unreachable").
			Str(log.FieldPeer, s.opts.Coordinator).
			Msg("coordinator not connected, standby not requested")
		return
	}
	if _, err := c.Enqueue("standby", func(_ *block.Command, out block.Outcome) {
		if out.Kind != block.OutcomeOK {
			s.log.Warn().
				Str(log.FieldEvent, "device.standby_refused").
				Str(log.FieldOutcome, out.String()).
				Msg("coordinator refused standby")
		}
	}); err != nil {
		s.log.Warn().
			Str(log.FieldEvent, "device.standby_failed").
			Err(err).
			Str("reason", reason).
			Msg("standby request not sent")
	}
}

func (s *Service) handleOpen(_ *block.Connection, req *protocol.Request) protocol.Reply {
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	return s.reply(s.machine.Open(s.b.Now()))
}

func (s *Service) handleClose(_ *block.Connection, req *protocol.Request) protocol.Reply {
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	return s.reply(s.machine.Close(s.b.Now()))
}

func (s *Service) handleReset(_ *block.Connection, req *protocol.Request) protocol.Reply {
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	return s.reply(s.machine.Reset(s.b.Now()))
}

func (s *Service) handleInfo(_ *block.Connection, req *protocol.Request) protocol.Reply {
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	info, err := s.driver.Info()
	if err != nil {
		return block.Fail(protocol.StatusFailed, "info: %v", err)
	}
	if info == nil {
		info = make(map[string]string)
	}
	info["state"] = s.machine.SubState().String()
	info["flags"] = s.machine.Flags().String()
	if s.infoExtra != nil {
		s.infoExtra(info)
	}
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+info[k])
	}
	return block.OK(strings.Join(parts, " "))
}

// reply maps machine errors onto protocol status codes.
func (s *Service) reply(err error) protocol.Reply {
	switch {
	case err == nil:
		return block.OK(s.machine.SubState().String())
	case errors.Is(err, ErrLockedOut), errors.Is(err, ErrBusy), errors.Is(err, ErrNotFaulted):
		return block.Fail(protocol.StatusNotAllowed, "%v", err)
	default:
		return block.Fail(protocol.StatusFailed, "%v", err)
	}
}

// handleIgnore is shared by services that expose "ignore on|off".
func (s *Service) handleIgnore(_ *block.Connection, req *protocol.Request) protocol.Reply {
	on, err := req.NextBool()
	if err != nil {
		return block.ParamError(err)
	}
	if err := req.End(); err != nil {
		return block.ParamError(err)
	}
	s.machine.SetIgnore(on, s.b.Now())
	s.log.Warn().
		Str(log.FieldEvent, "device.ignore").
		Bool("ignore", on).
		Msg("weather override changed")
	return block.OK(s.machine.Flags().String())
}
