// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package procgroup starts worker subprocesses in their own process group and
// tears the whole group down when the owning connection closes.
package procgroup

import (
	"errors"
)

var (
	// ErrKillFailed is returned when a process group survived SIGKILL.
	ErrKillFailed = errors.New("kill operation failed")
)

func isGone(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, errProcessDone) || isESRCH(err)
}
