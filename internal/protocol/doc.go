// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package protocol implements the newline-delimited text grammar spoken between
// obsnet processes.
//
// Three line shapes exist:
//
//	+000 ok                 reply to the in-flight command (sign is mandatory)
//	RAIN 0                  named value push: name value...
//	ignore on               command request: verb arg...
//
// Value pushes and command requests share a shape; which one a line is depends
// on the direction of the connection it arrives on.
package protocol
