package backend

import (
	"errors"
	"fmt"
)

// ErrTranscriptionNotConfigured is returned when a transcription operation
// is requested but no transcription service URL is configured. Callers treat
// this as a warning, not a pipeline failure.
var ErrTranscriptionNotConfigured = errors.New("transcription service not configured")

// PersistenceError is a failure creating or updating the remote recording
// record (e.g. session/clinic ownership checks rejected upstream).
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// StorageError is a failure uploading the audio blob (missing bucket, quota,
// permission). Recoverable: the local copy is retained.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// TranscriptionStartError is a failure starting the transcription job.
// Retried with backoff, then downgraded to a warning; never reverts a
// successful upload.
type TranscriptionStartError struct {
	RecordingID string
	Err         error
}

func (e *TranscriptionStartError) Error() string {
	return fmt.Sprintf("start transcription %s: %v", e.RecordingID, e.Err)
}
func (e *TranscriptionStartError) Unwrap() error { return e.Err }

// PollError is a transient failure fetching transcription status.
type PollError struct {
	RecordingID string
	Err         error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("poll transcription %s: %v", e.RecordingID, e.Err)
}
func (e *PollError) Unwrap() error { return e.Err }
