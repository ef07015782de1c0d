// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "errors"

var (
	// ErrUnknownConfigField classifies strict YAML parse failures caused by unknown keys.
	ErrUnknownConfigField = errors.New("unknown config field")

	// ErrUnsupportedFormat is returned for config files that are not YAML.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrMultipleDocuments is returned when the file holds more than one YAML document.
	ErrMultipleDocuments = errors.New("config file contains multiple documents")

	// ErrUnknownRole is returned by ValidateRole for roles obsnetd does not run.
	ErrUnknownRole = errors.New("unknown role")
)
