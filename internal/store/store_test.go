// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestRegisterImageCreatesObservation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	img, err := s.RegisterImage(ctx, Image{
		Path: "/data/20250301/a.fits", ObsID: 12, TargetID: 1005, Mount: "T0", MountMark: 3,
	})
	require.NoError(t, err)

	want := Image{
		ID: img.ID, Path: "/data/20250301/a.fits", ObsID: 12, TargetID: 1005,
		Mount: "T0", MountMark: 3, State: ImageNew,
	}
	if diff := cmp.Diff(want, img, cmpopts.IgnoreFields(Image{}, "CreatedAt")); diff != "" {
		t.Errorf("registered image mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, img.CreatedAt.IsZero())
	assert.True(t, img.HasMark())

	obs, err := s.Observation(ctx, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(1005), obs.TargetID)
}

func TestRegisterImageTwiceKeepsState(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	first, err := s.RegisterImage(ctx, Image{Path: "a.fits", ObsID: 1, TargetID: 2, MountMark: NoMark})
	require.NoError(t, err)
	require.NoError(t, s.MarkTrash(ctx, first.ID))

	again, err := s.RegisterImage(ctx, Image{Path: "a.fits", ObsID: 1, TargetID: 2, Mount: "T0", MountMark: 4})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, ImageTrash, again.State)
	assert.Equal(t, "T0", again.Mount)
}

func TestImageStates(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	var ids []int64
	for _, p := range []string{"1.fits", "2.fits", "3.fits", "4.fits"} {
		img, err := s.RegisterImage(ctx, Image{Path: p, ObsID: 7, TargetID: 99, MountMark: NoMark})
		require.NoError(t, err)
		ids = append(ids, img.ID)
	}

	n, err := s.CountUnprocessed(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, s.SetAstrometry(ctx, ids[0], Astrometry{RA: 10.5, Dec: -5.25, RAErr: 0.01, DecErr: 0.02}))
	require.NoError(t, s.MarkTrash(ctx, ids[1]))
	require.NoError(t, s.MarkDark(ctx, ids[2]))

	n, err = s.CountUnprocessed(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, err := s.CountOK(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, 1, ok)

	solved, err := s.ImageByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, ImageArchive, solved.State)
	require.NotNil(t, solved.Astrometry)
	assert.Equal(t, Astrometry{RA: 10.5, Dec: -5.25, RAErr: 0.01, DecErr: 0.02}, *solved.Astrometry)
	assert.NotNil(t, solved.ProcessedAt)

	images, err := s.Images(ctx, 7)
	require.NoError(t, err)
	var states []ImageState
	for _, img := range images {
		states = append(states, img.State)
	}
	assert.Equal(t, []ImageState{ImageArchive, ImageTrash, ImageDark, ImageNew}, states)
}

func TestNotFound(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.Image(ctx, "missing.fits")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ImageByID(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Observation(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.MarkDark(ctx, 42), ErrNotFound)
}

func TestRegisterObservationKeepsTargetType(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterObservation(ctx, Observation{ID: 5, TargetID: 10, TargetType: "O"}))
	require.NoError(t, s.RegisterObservation(ctx, Observation{ID: 5, TargetID: 10}))
	obs, err := s.Observation(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "O", obs.TargetType)
}

func TestVerifyIntegrityHealthy(t *testing.T) {
	s, path := openTestStore(t)
	_, err := s.RegisterImage(context.Background(), Image{Path: "x.fits", ObsID: 1, TargetID: 1, MountMark: NoMark})
	require.NoError(t, err)

	issues, err := VerifyIntegrity(path, false)
	require.NoError(t, err)
	assert.Nil(t, issues)
}
