// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store provides SQLite persistence for the image ledger.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating when missing) the ledger at path and migrates it.
func Open(path string, cfg Config) (*Store, error) {
	db, err := openDB(path, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		obs_id INTEGER PRIMARY KEY,
		target_id INTEGER NOT NULL,
		target_type TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS images (
		img_id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT NOT NULL UNIQUE,
		obs_id INTEGER NOT NULL REFERENCES observations(obs_id),
		target_id INTEGER NOT NULL,
		mount TEXT NOT NULL DEFAULT '',
		mount_mark INTEGER NOT NULL DEFAULT -1,
		shutter_closed INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'new' CHECK(state IN ('new', 'archive', 'trash', 'dark')),
		ra REAL,
		dec REAL,
		ra_err REAL,
		dec_err REAL,
		created_at TEXT NOT NULL,
		processed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_images_obs_state ON images(obs_id, state);
	CREATE INDEX IF NOT EXISTS idx_images_target_state ON images(target_id, state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RegisterObservation inserts or updates an observation.
func (s *Store) RegisterObservation(ctx context.Context, obs Observation) error {
	query := `
	INSERT INTO observations (obs_id, target_id, target_type)
	VALUES (?, ?, ?)
	ON CONFLICT(obs_id) DO UPDATE SET
		target_id = excluded.target_id,
		target_type = CASE WHEN excluded.target_type = '' THEN observations.target_type ELSE excluded.target_type END
	`
	_, err := s.db.ExecContext(ctx, query, obs.ID, obs.TargetID, obs.TargetType)
	if err != nil {
		return fmt.Errorf("register observation %d: %w", obs.ID, err)
	}
	return nil
}

// Observation returns the observation with id.
func (s *Store) Observation(ctx context.Context, id int64) (Observation, error) {
	var obs Observation
	err := s.db.QueryRowContext(ctx,
		`SELECT obs_id, target_id, target_type FROM observations WHERE obs_id = ?`, id,
	).Scan(&obs.ID, &obs.TargetID, &obs.TargetType)
	if errors.Is(err, sql.ErrNoRows) {
		return Observation{}, fmt.Errorf("observation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Observation{}, fmt.Errorf("observation %d: %w", id, err)
	}
	return obs, nil
}

// RegisterImage records img by path, creating its observation when
// missing. Registering a known path updates its metadata and keeps its
// processing state. The stored image is returned.
func (s *Store) RegisterImage(ctx context.Context, img Image) (Image, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Image{}, fmt.Errorf("register image: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO observations (obs_id, target_id) VALUES (?, ?) ON CONFLICT(obs_id) DO NOTHING`,
		img.ObsID, img.TargetID,
	); err != nil {
		return Image{}, fmt.Errorf("register image observation: %w", err)
	}

	query := `
	INSERT INTO images (path, obs_id, target_id, mount, mount_mark, shutter_closed, state, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 'new', ?)
	ON CONFLICT(path) DO UPDATE SET
		obs_id = excluded.obs_id,
		target_id = excluded.target_id,
		mount = excluded.mount,
		mount_mark = excluded.mount_mark,
		shutter_closed = excluded.shutter_closed
	`
	if _, err := tx.ExecContext(ctx, query,
		img.Path, img.ObsID, img.TargetID, img.Mount, img.MountMark, img.ShutterClosed,
		s.now().Format(time.RFC3339Nano),
	); err != nil {
		return Image{}, fmt.Errorf("register image %s: %w", img.Path, err)
	}
	if err := tx.Commit(); err != nil {
		return Image{}, fmt.Errorf("register image commit: %w", err)
	}
	return s.Image(ctx, img.Path)
}

const imageColumns = `img_id, path, obs_id, target_id, mount, mount_mark, shutter_closed, state,
	ra, dec, ra_err, dec_err, created_at, processed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (Image, error) {
	var (
		img                    Image
		state                  string
		ra, dec, raErr, decErr sql.NullFloat64
		created                string
		processed              sql.NullString
	)
	if err := row.Scan(&img.ID, &img.Path, &img.ObsID, &img.TargetID, &img.Mount, &img.MountMark,
		&img.ShutterClosed, &state, &ra, &dec, &raErr, &decErr, &created, &processed); err != nil {
		return Image{}, err
	}
	img.State = ImageState(state)
	if ra.Valid && dec.Valid {
		img.Astrometry = &Astrometry{RA: ra.Float64, Dec: dec.Float64, RAErr: raErr.Float64, DecErr: decErr.Float64}
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		img.CreatedAt = t
	}
	if processed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, processed.String); err == nil {
			img.ProcessedAt = &t
		}
	}
	return img, nil
}

// Image returns the image registered under path.
func (s *Store) Image(ctx context.Context, path string) (Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, fmt.Errorf("image %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Image{}, fmt.Errorf("image %s: %w", path, err)
	}
	return img, nil
}

// ImageByID returns the image with id.
func (s *Store) ImageByID(ctx context.Context, id int64) (Image, error) {
	img, err := scanImage(s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE img_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Image{}, fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Image{}, fmt.Errorf("image %d: %w", id, err)
	}
	return img, nil
}

// Images returns the images of an observation in registration order.
func (s *Store) Images(ctx context.Context, obsID int64) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE obs_id = ? ORDER BY img_id`, obsID)
	if err != nil {
		return nil, fmt.Errorf("images of %d: %w", obsID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// SetAstrometry stores a solution and archives the image.
func (s *Store) SetAstrometry(ctx context.Context, imgID int64, a Astrometry) error {
	return s.setState(ctx, imgID, ImageArchive,
		`ra = ?, dec = ?, ra_err = ?, dec_err = ?,`, a.RA, a.Dec, a.RAErr, a.DecErr)
}

// MarkTrash records that astrometry produced no usable solution.
func (s *Store) MarkTrash(ctx context.Context, imgID int64) error {
	return s.setState(ctx, imgID, ImageTrash, "")
}

// MarkDark records a shutter-closed exposure.
func (s *Store) MarkDark(ctx context.Context, imgID int64) error {
	return s.setState(ctx, imgID, ImageDark, "")
}

func (s *Store) setState(ctx context.Context, imgID int64, state ImageState, extra string, args ...any) error {
	query := `UPDATE images SET ` + extra + ` state = ?, processed_at = ? WHERE img_id = ?`
	args = append(args, string(state), s.now().Format(time.RFC3339Nano), imgID)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("image %d to %s: %w", imgID, state, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("image %d to %s: %w", imgID, state, err)
	}
	if n == 0 {
		return fmt.Errorf("image %d: %w", imgID, ErrNotFound)
	}
	return nil
}

// CountUnprocessed returns how many images of an observation still wait
// for astrometry.
func (s *Store) CountUnprocessed(ctx context.Context, obsID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE obs_id = ? AND state = 'new'`, obsID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed of %d: %w", obsID, err)
	}
	return n, nil
}

// CountOK returns how many images of a target were solved.
func (s *Store) CountOK(ctx context.Context, targetID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE target_id = ? AND state = 'archive'`, targetID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ok of target %d: %w", targetID, err)
	}
	return n, nil
}
