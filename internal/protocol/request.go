// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Request is a tokenised "name arg..." line: either a command request or a
// named value push. Handlers consume parameters in order with the Next
// methods and finish with End.
type Request struct {
	Name   string
	Params []string
	Raw    string

	pos int
}

// ParseRequest tokenises a non-reply line. Tokens are separated by blanks;
// double-quoted tokens may contain blanks and \" escapes.
func ParseRequest(line string) (*Request, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmpty
	}
	if IsReplyLine(line) {
		return nil, fmt.Errorf("%w: reply where request expected", ErrMalformed)
	}
	tokens, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	return &Request{Name: tokens[0], Params: tokens[1:], Raw: line}, nil
}

// Is reports whether the request name matches verb.
func (r *Request) Is(verb string) bool { return r.Name == verb }

// Remaining returns the number of unconsumed parameters.
func (r *Request) Remaining() int { return len(r.Params) - r.pos }

// NextString consumes the next parameter.
func (r *Request) NextString() (string, error) {
	if r.pos >= len(r.Params) {
		return "", fmt.Errorf("%w after %q", ErrMissingParam, r.Name)
	}
	v := r.Params[r.pos]
	r.pos++
	return v, nil
}

// NextInt consumes the next parameter as a base-10 integer.
func (r *Request) NextInt() (int64, error) {
	s, err := r.NextString()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrBadParam, s)
	}
	return v, nil
}

// NextFloat consumes the next parameter as a float64.
func (r *Request) NextFloat() (float64, error) {
	s, err := r.NextString()
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrBadParam, s)
	}
	return v, nil
}

// NextBool consumes an on/off, true/false or 1/0 parameter.
func (r *Request) NextBool() (bool, error) {
	s, err := r.NextString()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q is not a boolean", ErrBadParam, s)
}

// End returns an error when parameters remain unconsumed.
func (r *Request) End() error {
	if r.pos < len(r.Params) {
		return fmt.Errorf("%w: %q", ErrExtraParam, r.Params[r.pos])
	}
	return nil
}

// Format renders name and params as a single line, quoting where needed.
func Format(name string, params ...any) string {
	var b strings.Builder
	b.WriteString(name)
	for _, p := range params {
		b.WriteByte(' ')
		b.WriteString(Quote(formatParam(p)))
	}
	return b.String()
}

func formatParam(p any) string {
	switch v := p.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case bool:
		if v {
			return "on"
		}
		return "off"
	default:
		return fmt.Sprint(v)
	}
}

// Quote wraps s in double quotes when it is empty or contains blanks or quotes.
func Quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func tokenize(line string) ([]string, error) {
	var (
		tokens []string
		cur    strings.Builder
		inTok  bool
		quoted bool
	)
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quoted:
			switch {
			case c == '\\' && i+1 < len(line) && line[i+1] == '"':
				cur.WriteByte('"')
				i++
			case c == '"':
				quoted = false
			default:
				cur.WriteByte(c)
			}
		case c == '"':
			quoted = true
			inTok = true
		case c == ' ' || c == '\t':
			if inTok {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteByte(c)
			inTok = true
		}
	}
	if quoted {
		return nil, ErrUnterminatedQuote
	}
	if inTok {
		tokens = append(tokens, cur.String())
	}
	if len(tokens) == 0 {
		return nil, ErrEmpty
	}
	return tokens, nil
}
