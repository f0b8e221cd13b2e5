// Package history keeps a small local record of captured images and target
// runs so the UI can show more than the in-memory snapshot retains. It is a
// best-effort mirror; the automation tool remains authoritative.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/astro-monitor/backend/internal/event"
	"github.com/astro-monitor/backend/internal/session"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Store handles SQLite persistence of lifecycle events.
type Store struct {
	db *sql.DB
}

type ImageRecord struct {
	ID              int64    `json:"id"`
	SessionID       string   `json:"sessionId"`
	Target          string   `json:"target,omitempty"`
	Timestamp       int64    `json:"timestamp"`
	Index           *int     `json:"index,omitempty"`
	Filter          string   `json:"filter,omitempty"`
	ExposureSeconds *float64 `json:"exposureSeconds,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	HFR             *float64 `json:"hfr,omitempty"`
	Stars           *int     `json:"stars,omitempty"`
	Camera          string   `json:"camera,omitempty"`
}

type TargetRecord struct {
	ID          int64              `json:"id"`
	SessionID   string             `json:"sessionId"`
	Name        string             `json:"name"`
	ProjectName string             `json:"projectName,omitempty"`
	Coordinates *event.Coordinates `json:"coordinates,omitempty"`
	StartedAt   int64              `json:"startedAt"`
	EndedAt     *int64             `json:"endedAt,omitempty"`
	Aborted     bool               `json:"aborted"`
	Images      int                `json:"images"`
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_fk=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer (the recorder) and occasional HTTP readers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record persists one lifecycle event.
func (s *Store) Record(ctx context.Context, e session.Event) error {
	switch e.Type {
	case session.EventTargetStarted:
		if e.Target == nil {
			return fmt.Errorf("target_started without target")
		}
		return s.startTarget(ctx, e.SessionID, *e.Target)
	case session.EventTargetEnded:
		if e.Target == nil {
			return fmt.Errorf("target_ended without target")
		}
		return s.endTarget(ctx, e.SessionID, *e.Target, e.At, e.Aborted)
	case session.EventImageSaved:
		if e.Image == nil {
			return fmt.Errorf("image_saved without image")
		}
		return s.addImage(ctx, e.SessionID, *e.Image, e.Target)
	case session.EventReset:
		return s.closeSession(ctx, e.PreviousSessionID, e.At)
	}
	return nil
}

func (s *Store) startTarget(ctx context.Context, sessionID string, t session.Target) error {
	var ra, dec any
	if t.Coordinates != nil {
		ra, dec = t.Coordinates.RA, t.Coordinates.Dec
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO targets (session_id, name, project_name, ra, dec, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, t.Name, nullString(t.ProjectName), ra, dec, t.StartedAt)
	return err
}

func (s *Store) endTarget(ctx context.Context, sessionID string, t session.Target, at int64, aborted bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE targets SET ended_at = ?, aborted = ?
		WHERE session_id = ? AND name = ? AND started_at = ? AND ended_at IS NULL
	`, at, aborted, sessionID, t.Name, t.StartedAt)
	return err
}

// closeSession marks every run still open in a session that was reset as
// aborted.
func (s *Store) closeSession(ctx context.Context, sessionID string, at int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE targets SET ended_at = ?, aborted = 1
		WHERE session_id = ? AND ended_at IS NULL
	`, at, sessionID)
	return err
}

func (s *Store) addImage(ctx context.Context, sessionID string, img session.Image, target *session.Target) error {
	var targetID any
	if target != nil {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM targets WHERE session_id = ? AND name = ? AND started_at = ?
		`, sessionID, target.Name, target.StartedAt).Scan(&id)
		switch {
		case err == nil:
			targetID = id
		case err != sql.ErrNoRows:
			return fmt.Errorf("lookup target: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (session_id, target_id, taken_at, frame_index, filter, exposure, temperature, hfr, stars, camera)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sessionID, targetID, img.Timestamp, nullPtr(img.Index), nullString(img.Filter),
		nullPtr(img.ExposureSeconds), nullPtr(img.Temperature), nullPtr(img.HFR),
		nullPtr(img.Stars), nullString(img.Camera),
	)
	return err
}

// RecentImages returns up to limit images, newest first.
func (s *Store) RecentImages(ctx context.Context, limit int) ([]ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.session_id, t.name, i.taken_at, i.frame_index, i.filter,
		       i.exposure, i.temperature, i.hfr, i.stars, i.camera
		FROM images i
		LEFT JOIN targets t ON t.id = i.target_id
		ORDER BY i.taken_at DESC, i.id DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("images query failed: %w", err)
	}
	defer rows.Close()

	out := []ImageRecord{}
	for rows.Next() {
		var rec ImageRecord
		var target, filter, camera sql.NullString
		var index, stars sql.NullInt64
		var exposure, temperature, hfr sql.NullFloat64
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &target, &rec.Timestamp, &index, &filter,
			&exposure, &temperature, &hfr, &stars, &camera,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		rec.Target = target.String
		rec.Filter = filter.String
		rec.Camera = camera.String
		rec.Index = intPtr(index)
		rec.Stars = intPtr(stars)
		rec.ExposureSeconds = floatPtr(exposure)
		rec.Temperature = floatPtr(temperature)
		rec.HFR = floatPtr(hfr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentTargets returns up to limit target runs, most recently started
// first, each with its image count.
func (s *Store) RecentTargets(ctx context.Context, limit int) ([]TargetRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.session_id, t.name, t.project_name, t.ra, t.dec,
		       t.started_at, t.ended_at, t.aborted,
		       (SELECT COUNT(*) FROM images i WHERE i.target_id = t.id)
		FROM targets t
		ORDER BY t.started_at DESC, t.id DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("targets query failed: %w", err)
	}
	defer rows.Close()

	out := []TargetRecord{}
	for rows.Next() {
		var rec TargetRecord
		var project sql.NullString
		var ra, dec sql.NullFloat64
		var ended sql.NullInt64
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Name, &project, &ra, &dec,
			&rec.StartedAt, &ended, &rec.Aborted, &rec.Images,
		); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		rec.ProjectName = project.String
		if ra.Valid && dec.Valid {
			rec.Coordinates = &event.Coordinates{RA: ra.Float64, Dec: dec.Float64}
		}
		if ended.Valid {
			v := ended.Int64
			rec.EndedAt = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullPtr[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
