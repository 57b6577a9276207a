// Package recstore is the durable local store for captured-but-not-yet-
// confirmed-uploaded recordings. It is the durability anchor of the upload
// pipeline: a recording is only deletable here once the backend confirms it.
package recstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Entry is one locally persisted recording.
type Entry struct {
	ID                string
	Blob              []byte
	MimeType          string
	FileName          string
	DurationSeconds   float64
	CreatedAt         time.Time
	SessionID         string // empty until associated with a session
	Uploaded          bool
	UploadError       string // empty when no failure is recorded
	RemoteRecordingID string
	Checkpoint        bool // mid-recording checkpoint, not a finished capture
}

// SaveParams are the fields for a new entry.
type SaveParams struct {
	Blob            []byte
	MimeType        string
	FileName        string
	DurationSeconds float64
	SessionID       string
	Checkpoint      bool
}

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
    id                  TEXT PRIMARY KEY,
    blob                BLOB NOT NULL,
    mime_type           TEXT NOT NULL,
    file_name           TEXT NOT NULL,
    duration_seconds    REAL NOT NULL,
    created_at          TEXT NOT NULL,
    session_id          TEXT NOT NULL DEFAULT '',
    uploaded            INTEGER NOT NULL DEFAULT 0,
    upload_error        TEXT NOT NULL DEFAULT '',
    remote_recording_id TEXT NOT NULL DEFAULT '',
    checkpoint          INTEGER NOT NULL DEFAULT 0,
    CHECK (uploaded = 0 OR remote_recording_id <> '')
);
CREATE INDEX IF NOT EXISTS idx_recordings_uploaded ON recordings(uploaded);
`

// Store is the SQLite-backed recording store.
type Store struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open initializes or connects to the recording store in dir.
func Open(dir string, log zerolog.Logger) (*Store, error) {
	dbPath := filepath.Join(dir, "recordings.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("recording store opened")
	return &Store{db: db, path: dbPath, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// HealthCheck verifies the store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Save writes a new entry and returns its locally generated id. The id is
// stable across upload retries.
func (s *Store) Save(ctx context.Context, p SaveParams) (string, error) {
	if len(p.Blob) == 0 {
		return "", fmt.Errorf("refusing to save empty blob")
	}
	if math.IsNaN(p.DurationSeconds) || math.IsInf(p.DurationSeconds, 0) {
		return "", fmt.Errorf("refusing to save non-finite duration")
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recordings (id, blob, mime_type, file_name, duration_seconds, created_at, session_id, checkpoint)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, p.Blob, p.MimeType, p.FileName, p.DurationSeconds,
		time.Now().UTC().Format(time.RFC3339Nano), p.SessionID, boolToInt(p.Checkpoint),
	)
	if err != nil {
		return "", fmt.Errorf("insert recording: %w", err)
	}
	return id, nil
}

// Get returns the entry with the given id, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, blob, mime_type, file_name, duration_seconds, created_at,
                session_id, uploaded, upload_error, remote_recording_id, checkpoint
         FROM recordings WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// MarkUploaded records a confirmed upload. remoteRecordingID must be set:
// an uploaded entry without a remote record would be unrecoverable.
func (s *Store) MarkUploaded(ctx context.Context, id, remoteRecordingID, sessionID string) error {
	if remoteRecordingID == "" {
		return fmt.Errorf("mark uploaded %s: remote recording id is required", id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings
         SET uploaded = 1, upload_error = '', remote_recording_id = ?, session_id = ?
         WHERE id = ?`,
		remoteRecordingID, sessionID, id)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	return requireRow(res, id)
}

// MarkUploadFailed records a failed upload attempt. The entry is kept so the
// recording stays recoverable.
func (s *Store) MarkUploadFailed(ctx context.Context, id, errorMessage string) error {
	if errorMessage == "" {
		errorMessage = "upload failed"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET uploaded = 0, upload_error = ? WHERE id = ?`,
		errorMessage, id)
	if err != nil {
		return fmt.Errorf("mark upload failed: %w", err)
	}
	return requireRow(res, id)
}

// SetRemoteRecordingID persists the backend record id as soon as it exists,
// so a retried upload reuses it instead of creating a duplicate.
func (s *Store) SetRemoteRecordingID(ctx context.Context, id, remoteRecordingID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recordings SET remote_recording_id = ? WHERE id = ?`,
		remoteRecordingID, id)
	if err != nil {
		return fmt.Errorf("set remote recording id: %w", err)
	}
	return requireRow(res, id)
}

// ListUnuploaded returns all entries not yet confirmed uploaded, oldest
// first. Includes checkpoint entries; callers that only want finished
// captures filter on Entry.Checkpoint.
func (s *Store) ListUnuploaded(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, blob, mime_type, file_name, duration_seconds, created_at,
                session_id, uploaded, upload_error, remote_recording_id, checkpoint
         FROM recordings WHERE uploaded = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list unuploaded: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// PruneUploaded removes uploaded entries created before the cutoff and
// returns how many were removed. Unuploaded entries are never pruned.
func (s *Store) PruneUploaded(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recordings WHERE uploaded = 1 AND datetime(created_at) < datetime(?)`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("prune uploaded recordings: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes an entry. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	return nil
}

// ReplaceCheckpoint atomically deletes the previous checkpoint for the
// active recording and writes the new one, so at most one checkpoint exists
// per recording at any time. prevID may be empty on the first checkpoint.
func (s *Store) ReplaceCheckpoint(ctx context.Context, prevID string, p SaveParams) (string, error) {
	p.Checkpoint = true
	if len(p.Blob) == 0 {
		return "", fmt.Errorf("refusing to checkpoint empty blob")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	if prevID != "" {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM recordings WHERE id = ? AND checkpoint = 1`, prevID); err != nil {
			return "", fmt.Errorf("delete previous checkpoint: %w", err)
		}
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO recordings (id, blob, mime_type, file_name, duration_seconds, created_at, session_id, checkpoint)
         VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		id, p.Blob, p.MimeType, p.FileName, p.DurationSeconds,
		time.Now().UTC().Format(time.RFC3339Nano), p.SessionID,
	)
	if err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var createdAt string
	var uploaded, checkpoint int
	err := row.Scan(&e.ID, &e.Blob, &e.MimeType, &e.FileName, &e.DurationSeconds,
		&createdAt, &e.SessionID, &uploaded, &e.UploadError, &e.RemoteRecordingID, &checkpoint)
	if err != nil {
		return nil, err
	}
	e.Uploaded = uploaded != 0
	e.Checkpoint = checkpoint != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("recording %s not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
