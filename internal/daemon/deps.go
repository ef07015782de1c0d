// SPDX-License-Identifier: MIT

package daemon

import (
	"context"

	"github.com/ManuGH/obsnet/internal/block"
	"github.com/rs/zerolog"
)

// Runner is a long-lived subsystem that stops when ctx is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// Worker is a named Runner started next to the block loop, e.g. the status
// server, the event sink or the mail queue.
type Worker struct {
	Name   string
	Runner Runner
}

// Deps contains dependencies required by the daemon Manager.
type Deps struct {
	// Logger is the structured logger for the daemon
	Logger zerolog.Logger

	// Block is the device's event loop.
	Block *block.Block

	// ListenAddr accepts peer connections; empty means dial-only.
	ListenAddr string

	// Workers run for the lifetime of the loop.
	Workers []Worker
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Block == nil {
		return ErrMissingBlock
	}
	return nil
}
