// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import "errors"

var (
	// ErrMalformed is returned for lines that match no grammar rule.
	ErrMalformed = errors.New("malformed line")

	// ErrEmpty is returned for blank lines.
	ErrEmpty = errors.New("empty line")

	// ErrMissingParam is returned when a parameter cursor runs out of tokens.
	ErrMissingParam = errors.New("missing parameter")

	// ErrExtraParam is returned when End finds unconsumed parameters.
	ErrExtraParam = errors.New("unexpected extra parameter")

	// ErrBadParam is returned when a parameter cannot be converted.
	ErrBadParam = errors.New("invalid parameter")

	// ErrUnterminatedQuote is returned when a quoted token never closes.
	ErrUnterminatedQuote = errors.New("unterminated quote")
)
