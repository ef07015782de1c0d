// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import "errors"

var (
	// ErrFault is returned while the device is latched in its error state.
	ErrFault = errors.New("device fault")

	// ErrIllegalTransition is returned for sub-state changes outside the declared edges.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrLockedOut is returned when an open is refused by the safety interlock.
	ErrLockedOut = errors.New("safety lockout")

	// ErrBusy is returned when a command conflicts with motion in progress.
	ErrBusy = errors.New("device busy")

	// ErrNotFaulted is returned by Reset when there is nothing to reset.
	ErrNotFaulted = errors.New("device not faulted")

	// ErrPeerUnavailable is returned by RemoteDriver when its peer has no open link.
	ErrPeerUnavailable = errors.New("peer unavailable")
)
