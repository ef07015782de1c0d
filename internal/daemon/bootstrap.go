// SPDX-License-Identifier: MIT

// Package daemon runs an obsnet process: the block loop, its peer listener
// and the workers beside it, with config reload and ordered shutdown.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdown returns a context cancelled on interrupt/termination signals.
func WaitForShutdown() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
