// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package procgroup

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/obsnet/internal/metrics"
)

// Terminate stops a process group: SIGTERM, wait up to grace for exited to
// close, then SIGKILL and wait up to grace again. exited must be closed by
// whoever owns cmd.Wait. It is safe to call on nil commands.
func Terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	signal(cmd, syscall.SIGTERM)

	select {
	case <-exited:
		metrics.IncProcWait("exited")
		return nil
	case <-time.After(grace):
	}

	signal(cmd, syscall.SIGKILL)

	select {
	case <-exited:
		metrics.IncProcWait("forced")
		return nil
	case <-time.After(grace):
		metrics.IncProcWait("stuck")
		return ErrKillFailed
	}
}

func signal(cmd *exec.Cmd, sig syscall.Signal) {
	name := "SIGTERM"
	if sig == syscall.SIGKILL {
		name = "SIGKILL"
	}
	switch err := Kill(cmd, sig); {
	case err == nil:
		metrics.IncProcTerminate(name, "sent")
	case isGone(err):
		metrics.IncProcTerminate(name, "esrch")
	default:
		metrics.IncProcTerminate(name, "error")
	}
}
