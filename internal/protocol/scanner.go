// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"bufio"
	"io"
	"strings"
)

// MaxLineLength bounds a single protocol line.
const MaxLineLength = 64 * 1024

// NewScanner returns a line scanner with the protocol's buffer limits. A
// final line without a newline is still returned before EOF.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), MaxLineLength)
	return s
}

// CleanLine strips the trailing carriage return some peers send.
func CleanLine(line string) string {
	return strings.TrimRight(line, "\r")
}
