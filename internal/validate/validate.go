// SPDX-License-Identifier: MIT

// Package validate accumulates configuration validation failures so a bad
// file reports every problem at once.
package validate

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Error is one failed check.
type Error struct {
	Field   string
	Value   any
	Message string
}

func (e Error) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects Errors.
type Validator struct {
	errors []Error
}

// ValidationError bundles every failed check.
type ValidationError struct {
	errors []Error
}

// New creates a validator.
func New() *Validator {
	return &Validator{}
}

// AddError records a failure.
func (v *Validator) AddError(field, message string, value any) {
	v.errors = append(v.errors, Error{Field: field, Value: value, Message: message})
}

// IsValid reports whether no check failed.
func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

// Errors returns the recorded failures.
func (v *Validator) Errors() []Error { return v.errors }

// Err returns nil or a ValidationError.
func (v *Validator) Err() error {
	if len(v.errors) == 0 {
		return nil
	}
	return ValidationError{errors: append([]Error(nil), v.errors...)}
}

// Errors returns the individual failures.
func (e ValidationError) Errors() []Error { return e.errors }

func (e ValidationError) Error() string {
	msgs := make([]string, len(e.errors))
	for i, err := range e.errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// NotEmpty fails on empty or blank strings.
func (v *Validator) NotEmpty(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "must not be empty", value)
	}
}

// Name fails unless value is a single token usable on the wire.
func (v *Validator) Name(field, value string) {
	if value == "" {
		v.AddError(field, "must not be empty", value)
		return
	}
	if strings.ContainsAny(value, " \t\r\n\"") {
		v.AddError(field, "must not contain blanks or quotes", value)
	}
}

// HostPort fails unless value is host:port with a valid port. An empty host
// is allowed for listen addresses.
func (v *Validator) HostPort(field, value string) {
	_, port, err := net.SplitHostPort(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid address: %v", err), value)
		return
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		v.AddError(field, fmt.Sprintf("port must be between 0 and 65535, got %q", port), value)
	}
}

// Range fails unless minVal <= value <= maxVal.
func (v *Validator) Range(field string, value, minVal, maxVal int) {
	if value < minVal || value > maxVal {
		v.AddError(field, fmt.Sprintf("value must be between %d and %d, got %d", minVal, maxVal, value), value)
	}
}

// FloatRange fails unless minVal <= value <= maxVal.
func (v *Validator) FloatRange(field string, value, minVal, maxVal float64) {
	if value < minVal || value > maxVal {
		v.AddError(field, fmt.Sprintf("value must be between %g and %g, got %g", minVal, maxVal, value), value)
	}
}

// PositiveDuration fails on zero or negative durations.
func (v *Validator) PositiveDuration(field string, value time.Duration) {
	if value <= 0 {
		v.AddError(field, fmt.Sprintf("must be positive, got %s", value), value)
	}
}

// OneOf fails unless value is in allowed.
func (v *Validator) OneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of %v", allowed), value)
}

// Executable fails unless path resolves to an executable file, either
// directly or through PATH.
func (v *Validator) Executable(field, path string) {
	if path == "" {
		v.AddError(field, "executable path must not be empty", path)
		return
	}
	if _, err := exec.LookPath(path); err != nil {
		v.AddError(field, fmt.Sprintf("not executable: %v", err), path)
	}
}

// ParentDir fails unless the directory that would hold path exists.
func (v *Validator) ParentDir(field, path string) {
	if path == "" {
		v.AddError(field, "path must not be empty", path)
		return
	}
	if strings.Contains(path, "..") {
		v.AddError(field, "path contains traversal sequences (..)", path)
		return
	}
	dir := path[:strings.LastIndex(path, "/")+1]
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	if err != nil {
		v.AddError(field, fmt.Sprintf("cannot access directory: %v", err), path)
		return
	}
	if !info.IsDir() {
		v.AddError(field, "parent is not a directory", path)
	}
}
