// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import "strings"

// SubState is the motion state of an open/close device.
type SubState uint8

const (
	SubClosed  SubState = 0
	SubOpening SubState = 1
	SubOpen    SubState = 2
	SubClosing SubState = 3
	SubError   SubState = 4

	// SubStateMask selects the sub-state bits of a state word.
	SubStateMask = 0x0f
)

var subStateNames = []string{"closed", "opening", "open", "closing", "error"}

func (s SubState) String() string {
	if int(s) < len(subStateNames) {
		return subStateNames[s]
	}
	return "unknown"
}

// Transitional reports whether the driver is moving.
func (s SubState) Transitional() bool {
	return s == SubOpening || s == SubClosing
}

// Flags are orthogonal bits carried next to the sub-state.
type Flags uint16

const (
	// FlagUnsafe is set while the environment forbids opening.
	FlagUnsafe Flags = 0x10
	// FlagIgnore is the operator override of the weather interlock.
	FlagIgnore Flags = 0x20
	// FlagFault latches a driver failure until Reset.
	FlagFault Flags = 0x40
)

// Names lists the set flags.
func (f Flags) Names() []string {
	var out []string
	if f&FlagUnsafe != 0 {
		out = append(out, "unsafe")
	}
	if f&FlagIgnore != 0 {
		out = append(out, "ignore")
	}
	if f&FlagFault != 0 {
		out = append(out, "fault")
	}
	return out
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	return strings.Join(f.Names(), "|")
}

// Word composes the sub-state and flags into the single state word
// reported to peers.
func Word(s SubState, f Flags) uint32 {
	return uint32(s)&SubStateMask | uint32(f)
}

// SplitWord is the inverse of Word.
func SplitWord(w uint32) (SubState, Flags) {
	return SubState(w & SubStateMask), Flags(w &^ SubStateMask)
}

// subEdges lists the declared sub-state transitions. Any motion state may
// fall into Error; Error leaves through a close attempt or a Reset.
var subEdges = map[SubState][]SubState{
	SubClosed:  {SubOpening, SubError},
	SubOpening: {SubOpen, SubClosing, SubError},
	SubOpen:    {SubClosing, SubError},
	SubClosing: {SubClosed, SubError},
	SubError:   {SubClosing, SubClosed},
}

func canMove(from, to SubState) bool {
	for _, s := range subEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}
