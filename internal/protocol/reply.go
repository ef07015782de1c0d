// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Reply status codes. Non-negative codes are successes.
const (
	StatusOK             = 0
	StatusAuthFailed     = -1
	StatusInvalidParams  = -2
	StatusFailed         = -3
	StatusUnknownCommand = -4
	StatusRequeue        = -5
	StatusNotAllowed     = -6
)

// Reply is a parsed reply line.
type Reply struct {
	Status int
	Text   string
}

// OK reports whether the reply signals success.
func (r Reply) OK() bool { return r.Status >= 0 }

// IsReplyLine reports whether line has the reply shape: a mandatory sign
// followed by at least one digit.
func IsReplyLine(line string) bool {
	if len(line) < 2 {
		return false
	}
	if line[0] != '+' && line[0] != '-' {
		return false
	}
	return line[1] >= '0' && line[1] <= '9'
}

// ParseReply parses a reply line. The caller is expected to have checked
// IsReplyLine; a line that starts like a reply but fails to parse is malformed.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	if !IsReplyLine(line) {
		return Reply{}, fmt.Errorf("%w: not a reply: %q", ErrMalformed, line)
	}
	code, text, _ := strings.Cut(line, " ")
	status, err := strconv.Atoi(code)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: reply status %q", ErrMalformed, code)
	}
	return Reply{Status: status, Text: strings.TrimSpace(text)}, nil
}

// FormatReply renders a reply line without the trailing newline.
func FormatReply(status int, text string) string {
	sign := byte('+')
	abs := status
	if status < 0 {
		sign = '-'
		abs = -status
	}
	if text == "" {
		return fmt.Sprintf("%c%03d", sign, abs)
	}
	return fmt.Sprintf("%c%03d %s", sign, abs, text)
}

// StatusText returns the default reply text for a status code.
func StatusText(status int) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusAuthFailed:
		return "authorization failed"
	case StatusInvalidParams:
		return "invalid parameters"
	case StatusFailed:
		return "command failed"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusRequeue:
		return "requeue"
	case StatusNotAllowed:
		return "not allowed in current state"
	default:
		if status >= 0 {
			return "ok"
		}
		return "error"
	}
}
