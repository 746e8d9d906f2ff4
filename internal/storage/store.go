// Package storage records what the presenter showed: a run manifest,
// presentation groups, and one leaf per slot fill holding the frames and the
// metadata needed to find them again in a recording.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 1

var (
	// ErrExists is returned when a run file is already present and overwrite
	// was not requested.
	ErrExists = errors.New("run file already exists")
	// ErrNotFound is returned for a group, leaf or artifact that is not stored.
	ErrNotFound = errors.New("not found")
)

// Leaf is one stored slot fill.
type Leaf struct {
	Group string
	Index int
	// Seq counts leaves across every group of the run.
	Seq            int64
	SlotID         int64
	SyncPulseWidth time.Duration
	PictureTime    time.Duration
	Scale          int
	Frames         int
	Height, Width  int
}

// Pixels is the number of logical pixels the leaf holds.
func (l Leaf) Pixels() int { return l.Frames * l.Height * l.Width }

// GroupInfo summarises one presentation group.
type GroupInfo struct {
	Tag    string
	Leaves int
	Frames int
}

// Store is a run file. Writes come from a single goroutine, the sink worker;
// the pool is capped at one connection.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Create opens a new run file at path. An existing file is an error unless
// overwrite is set, in which case it and its sidecar are removed first.
func Create(path string, overwrite bool) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		if !overwrite {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		for _, p := range []string{path, path + "-wal", path + "-shm", SidecarPath(path)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove %s: %w", p, err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	s, err := open(path, dsn)
	if err != nil {
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("storage: migration failed: %w", err)
	}
	return s, nil
}

// OpenReadOnly opens an existing run file for reading.
func OpenReadOnly(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open run file: %w", err)
	}
	s, err := open(path, fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, err
	}
	s.readOnly = true
	return s, nil
}

func open(path, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping failed: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS run (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attributes TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS presentation_groups (
		tag TEXT PRIMARY KEY,
		ordinal INTEGER NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS leaves (
		seq INTEGER PRIMARY KEY,
		group_tag TEXT NOT NULL REFERENCES presentation_groups(tag),
		leaf_index INTEGER NOT NULL,
		slot_id INTEGER NOT NULL,
		sync_pulse_us INTEGER NOT NULL,
		picture_time_us INTEGER NOT NULL,
		scale INTEGER NOT NULL,
		frames INTEGER NOT NULL,
		height INTEGER NOT NULL,
		width INTEGER NOT NULL,
		data BLOB NOT NULL,
		UNIQUE (group_tag, leaf_index)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		name TEXT PRIMARY KEY,
		data BLOB NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Path returns the run file path.
func (s *Store) Path() string { return s.path }

// PutManifest records the run manifest.
func (s *Store) PutManifest(ctx context.Context, m Manifest) error {
	attrs, err := json.Marshal(m.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO run (id, run_id, path, description, created_at, attributes)
	VALUES (1, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		run_id = excluded.run_id,
		path = excluded.path,
		description = excluded.description,
		created_at = excluded.created_at,
		attributes = excluded.attributes
	`, m.RunID, m.Path, m.Description, m.CreatedAt.Format(time.RFC3339Nano), string(attrs))
	return err
}

// PutGroup records a presentation group.
func (s *Store) PutGroup(ctx context.Context, tag string, ordinal int) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO presentation_groups (tag, ordinal) VALUES (?, ?)", tag, ordinal)
	return err
}

// PutLeaf stores one slot fill. px holds l.Pixels() logical pixels.
func (s *Store) PutLeaf(ctx context.Context, l Leaf, px []bool) error {
	if len(px) != l.Pixels() {
		return fmt.Errorf("leaf %s/%06d: %d pixels for %dx%dx%d", l.Group, l.Index, len(px), l.Frames, l.Height, l.Width)
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO leaves (seq, group_tag, leaf_index, slot_id, sync_pulse_us, picture_time_us, scale, frames, height, width, data)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.Seq, l.Group, l.Index, l.SlotID, l.SyncPulseWidth.Microseconds(), l.PictureTime.Microseconds(),
		l.Scale, l.Frames, l.Height, l.Width, encodeFrames(px))
	return err
}

// PutArtifact stores a run-level blob such as the pixel mask.
func (s *Store) PutArtifact(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO artifacts (name, data) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET data = excluded.data
	`, name, data)
	return err
}

// Close closes the run file. A writable file is switched back to rollback
// journaling first so the finished run is a single self-contained file.
func (s *Store) Close() error {
	var err error
	if !s.readOnly {
		_, err = s.db.Exec("PRAGMA journal_mode=DELETE")
	}
	return errors.Join(err, s.db.Close())
}
