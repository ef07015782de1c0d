// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store is the SQLite ledger of observations, images and their
// astrometry results.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ImageState is the processing state of an image.
type ImageState string

const (
	// ImageNew images wait for astrometry.
	ImageNew ImageState = "new"
	// ImageArchive images were solved.
	ImageArchive ImageState = "archive"
	// ImageTrash images produced no usable solution.
	ImageTrash ImageState = "trash"
	// ImageDark images were taken with the shutter closed.
	ImageDark ImageState = "dark"
)

// NoMark marks an image taken without a known mount move mark.
const NoMark int64 = -1

// Observation is one target visit.
type Observation struct {
	ID         int64  `json:"obs_id"`
	TargetID   int64  `json:"target_id"`
	TargetType string `json:"target_type"`
}

// Image is a registered exposure.
type Image struct {
	ID            int64       `json:"img_id"`
	Path          string      `json:"path"`
	ObsID         int64       `json:"obs_id"`
	TargetID      int64       `json:"target_id"`
	Mount         string      `json:"mount,omitempty"`
	MountMark     int64       `json:"mount_mark"`
	ShutterClosed bool        `json:"shutter_closed"`
	State         ImageState  `json:"state"`
	Astrometry    *Astrometry `json:"astrometry,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	ProcessedAt   *time.Time  `json:"processed_at,omitempty"`
}

// HasMark reports whether the image carries a mount move mark.
func (i Image) HasMark() bool { return i.MountMark != NoMark }

// Astrometry is a solved position with its errors, all in degrees.
type Astrometry struct {
	RA     float64 `json:"ra"`
	Dec    float64 `json:"dec"`
	RAErr  float64 `json:"ra_err"`
	DecErr float64 `json:"dec_err"`
}
