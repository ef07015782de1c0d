// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package block

// State is the authorization/lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateKeyExchange
	StateAuthorized
	StateOpen
	StateClosing
	StateClosed
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateKeyExchange:
		return "key_exchange"
	case StateAuthorized:
		return "authorized"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further I/O happens in this state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAuthFailed
}

// Role says who initiated a connection and therefore how non-reply lines
// are interpreted.
type Role string

const (
	// RoleOutbound connections were dialed by this process. Commands flow out,
	// replies and value pushes flow in.
	RoleOutbound Role = "outbound"
	// RoleInbound connections were accepted. Command requests flow in and are
	// answered; value pushes flow out.
	RoleInbound Role = "inbound"
	// RoleProcess connections wrap a worker subprocess; every stdout line is a
	// result line for the process handler.
	RoleProcess Role = "process"
)

// legalEdges lists permitted connection state transitions.
var legalEdges = map[State][]State{
	StateDisconnected: {StateConnecting, StateKeyExchange, StateOpen, StateClosed},
	StateConnecting:   {StateKeyExchange, StateClosed},
	StateKeyExchange:  {StateAuthorized, StateAuthFailed, StateClosing, StateClosed},
	StateAuthorized:   {StateOpen, StateClosing, StateClosed},
	StateOpen:         {StateClosing, StateClosed},
	StateClosing:      {StateClosed},
	StateAuthFailed:   {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range legalEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}
