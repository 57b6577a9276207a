package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Breadcrumb is the metadata trail left next to the state dir while a
// recording is in flight. It carries no audio; the blob lives in the store.
// On startup a surviving breadcrumb means the previous run died mid-recording.
type Breadcrumb struct {
	SessionID       string    `json:"session_id"`
	ChunksCount     int       `json:"chunks_count"`
	MimeType        string    `json:"mime_type"`
	DurationSeconds float64   `json:"duration_seconds"`
	Timestamp       time.Time `json:"timestamp"`
}

// BreadcrumbFile persists the breadcrumb atomically in the state dir.
type BreadcrumbFile struct {
	path string
}

func NewBreadcrumbFile(stateDir string) *BreadcrumbFile {
	return &BreadcrumbFile{path: filepath.Join(stateDir, "breadcrumb.json")}
}

// Write replaces the breadcrumb via temp file and rename so a crash never
// leaves a torn file behind.
func (f *BreadcrumbFile) Write(b Breadcrumb) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breadcrumb: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write breadcrumb: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace breadcrumb: %w", err)
	}
	return nil
}

// Read returns the breadcrumb, or nil if none exists.
func (f *BreadcrumbFile) Read() (*Breadcrumb, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read breadcrumb: %w", err)
	}
	var b Breadcrumb
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse breadcrumb: %w", err)
	}
	return &b, nil
}

// Clear removes the breadcrumb. Missing file is not an error.
func (f *BreadcrumbFile) Clear() error {
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear breadcrumb: %w", err)
	}
	return nil
}
