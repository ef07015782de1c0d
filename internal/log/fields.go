// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldConnID    = "conn_id"
	FieldCommandID = "command_id"
	FieldPeer      = "peer"
	FieldDevice    = "device"
	FieldObsID     = "obs_id"
	FieldImageID   = "img_id"
	FieldRequestID = "request_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPID       = "pid"
	FieldExitCode  = "exit_code"

	// Protocol fields
	FieldAddr    = "addr"
	FieldRole    = "role"
	FieldCommand = "command"
	FieldLine    = "line"
	FieldStatus  = "status"
	FieldOutcome = "outcome"

	// State fields
	FieldPhase    = "phase"
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldIntent   = "intent"

	// Path fields
	FieldPath = "path"
)
