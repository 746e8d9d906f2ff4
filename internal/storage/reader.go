package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dmd-presenter/internal/pattern"
)

// Artifact names.
const (
	ArtifactMask   = "mask"
	ArtifactAffine = "affine"
)

// Manifest reads the run manifest.
func (s *Store) Manifest(ctx context.Context) (Manifest, error) {
	var m Manifest
	var created, attrs string
	err := s.db.QueryRowContext(ctx,
		"SELECT run_id, path, description, created_at, attributes FROM run WHERE id = 1",
	).Scan(&m.RunID, &m.Path, &m.Description, &created, &attrs)
	if errors.Is(err, sql.ErrNoRows) {
		return Manifest{}, fmt.Errorf("manifest: %w", ErrNotFound)
	}
	if err != nil {
		return Manifest{}, err
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if err := json.Unmarshal([]byte(attrs), &m.Attributes); err != nil {
		return Manifest{}, fmt.Errorf("decode attributes: %w", err)
	}
	return m, nil
}

// Groups lists presentation groups in the order they were opened.
func (s *Store) Groups(ctx context.Context) ([]GroupInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT g.tag, COUNT(l.seq), COALESCE(SUM(l.frames), 0)
	FROM presentation_groups g LEFT JOIN leaves l ON l.group_tag = g.tag
	GROUP BY g.tag
	ORDER BY g.ordinal
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupInfo
	for rows.Next() {
		var g GroupInfo
		if err := rows.Scan(&g.Tag, &g.Leaves, &g.Frames); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Leaves lists the leaves of group in presentation order.
func (s *Store) Leaves(ctx context.Context, group string) ([]Leaf, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT group_tag, leaf_index, seq, slot_id, sync_pulse_us, picture_time_us, scale, frames, height, width
	FROM leaves WHERE group_tag = ? ORDER BY leaf_index
	`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Leaf
	for rows.Next() {
		l, err := scanLeaf(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLeaf(row scanner, extra ...any) (Leaf, error) {
	var l Leaf
	var pulse, picture int64
	dest := append([]any{&l.Group, &l.Index, &l.Seq, &l.SlotID, &pulse, &picture, &l.Scale, &l.Frames, &l.Height, &l.Width}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Leaf{}, err
	}
	l.SyncPulseWidth = time.Duration(pulse) * time.Microsecond
	l.PictureTime = time.Duration(picture) * time.Microsecond
	return l, nil
}

// ReadLeaf returns a leaf's metadata and its logical frames, frame-major
// then row-major.
func (s *Store) ReadLeaf(ctx context.Context, group string, index int) (Leaf, []bool, error) {
	var data []byte
	row := s.db.QueryRowContext(ctx, `
	SELECT group_tag, leaf_index, seq, slot_id, sync_pulse_us, picture_time_us, scale, frames, height, width, data
	FROM leaves WHERE group_tag = ? AND leaf_index = ?
	`, group, index)
	l, err := scanLeaf(row, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return Leaf{}, nil, fmt.Errorf("leaf %s/%06d: %w", group, index, ErrNotFound)
	}
	if err != nil {
		return Leaf{}, nil, err
	}
	px, err := decodeFrames(data, l.Pixels())
	if err != nil {
		return Leaf{}, nil, fmt.Errorf("leaf %s/%06d: %w", group, index, err)
	}
	return l, px, nil
}

// Artifact reads a run-level blob.
func (s *Store) Artifact(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM artifacts WHERE name = ?", name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", name, ErrNotFound)
	}
	return data, err
}

type maskArtifact struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	On     []byte `json:"on"`
}

func encodeMask(m pattern.Mask) ([]byte, error) {
	return json.Marshal(maskArtifact{Width: m.Width, Height: m.Height, On: m.Bytes()})
}

// Mask reads the stored pixel mask.
func (s *Store) Mask(ctx context.Context) (pattern.Mask, error) {
	data, err := s.Artifact(ctx, ArtifactMask)
	if err != nil {
		return pattern.Mask{}, err
	}
	var a maskArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return pattern.Mask{}, fmt.Errorf("decode mask: %w", err)
	}
	return pattern.MaskFromBytes(a.Width, a.Height, a.On)
}

// Affine reads the stored affine transform.
func (s *Store) Affine(ctx context.Context) ([][]float64, error) {
	data, err := s.Artifact(ctx, ArtifactAffine)
	if err != nil {
		return nil, err
	}
	var m [][]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode affine: %w", err)
	}
	return m, nil
}
