// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package imgproc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoResult is returned for a line that is not an astrometry result.
var ErrNoResult = errors.New("not an astrometry result")

// Result is one astrometry solution as printed by the solver. Errors are
// in arcminutes.
type Result struct {
	ID     int64
	RA     float64
	Dec    float64
	RAErr  float64
	DecErr float64
}

// Degrees returns the errors converted from arcminutes to degrees.
func (r Result) Degrees() (raErr, decErr float64) {
	return r.RAErr / 60, r.DecErr / 60
}

// LineKind classifies a solver output line.
type LineKind int

const (
	LineOther LineKind = iota
	LineResult
	LineRejected
	// LineMalformed starts like a result (integer id, then a number) but
	// does not parse as one.
	LineMalformed
)

var resultCleaner = strings.NewReplacer("(", " ", ")", " ", ",", " ")

// ParseResult accepts "id ra dec ra_err dec_err" and the older
// "id ra dec (ra_err,dec_err)" form.
func ParseResult(line string) (Result, error) {
	fields := strings.Fields(resultCleaner.Replace(line))
	if len(fields) != 5 {
		return Result{}, fmt.Errorf("%w: %d fields in %q", ErrNoResult, len(fields), line)
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("%w: id %q", ErrNoResult, fields[0])
	}
	var v [4]float64
	for i := range v {
		if v[i], err = strconv.ParseFloat(fields[i+1], 64); err != nil {
			return Result{}, fmt.Errorf("%w: field %d %q", ErrNoResult, i+2, fields[i+1])
		}
	}
	return Result{ID: id, RA: v[0], Dec: v[1], RAErr: v[2], DecErr: v[3]}, nil
}

// Classify returns the kind of a solver line and the parsed result when
// it is one. For LineMalformed the error says why parsing failed.
func Classify(line string) (LineKind, Result, error) {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	if strings.HasPrefix(trimmed, "no usable data") || strings.HasPrefix(trimmed, "rejected") {
		return LineRejected, Result{}, nil
	}
	r, err := ParseResult(line)
	if err == nil {
		return LineResult, r, nil
	}
	if resultShaped(line) {
		return LineMalformed, Result{}, err
	}
	return LineOther, Result{}, nil
}

func resultShaped(line string) bool {
	fields := strings.Fields(resultCleaner.Replace(line))
	if len(fields) < 2 {
		return false
	}
	if _, err := strconv.ParseInt(fields[0], 10, 64); err != nil {
		return false
	}
	_, err := strconv.ParseFloat(fields[1], 64)
	return err == nil
}
