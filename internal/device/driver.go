// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"context"
	"time"

	"github.com/spf13/pflag"
)

// PollStatus is the result class of a motion poll.
type PollStatus int

const (
	PollMoving PollStatus = iota
	PollDone
	PollFailed
)

func (s PollStatus) String() string {
	switch s {
	case PollMoving:
		return "moving"
	case PollDone:
		return "done"
	case PollFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Poll is what a driver reports about motion in progress. Retry is only
// meaningful for PollMoving and asks to be polled again after that delay.
type Poll struct {
	Status PollStatus
	Retry  time.Duration
	Err    error
}

// Moving asks to be polled again after retry.
func Moving(retry time.Duration) Poll { return Poll{Status: PollMoving, Retry: retry} }

// Done reports completed motion.
func Done() Poll { return Poll{Status: PollDone} }

// Failed reports a hardware failure.
func Failed(err error) Poll { return Poll{Status: PollFailed, Err: err} }

// Driver is the hardware capability behind a Machine. Start calls begin
// motion and return at once; the Machine polls until Done or Failed.
type Driver interface {
	Name() string
	// RegisterFlags adds driver specific command line options.
	RegisterFlags(fs *pflag.FlagSet)
	Init(ctx context.Context) error
	Info() (map[string]string, error)
	StartOpen() error
	StartClose() error
	PollOpen() Poll
	PollClose() Poll
	Reset() error
}

// ResetPoller is implemented by drivers whose Reset only starts recovery.
// The machine keeps the fault latched until PollReset reports Done.
type ResetPoller interface {
	PollReset() Poll
}
