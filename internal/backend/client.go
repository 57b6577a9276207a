// Package backend is the client for the clinic SaaS: recording records,
// audio blob storage, and the transcription pipeline. The agent treats the
// backend as authoritative and never caches its state beyond one poll cycle.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Transcription statuses reported by the backend.
const (
	TranscriptionPending    = "pending"
	TranscriptionProcessing = "processing"
	TranscriptionCompleted  = "completed"
	TranscriptionFailed     = "failed"
)

// Recording is the remote recording record.
type Recording struct {
	ID                  string    `json:"id"`
	FileName            string    `json:"file_name"`
	TranscriptionStatus string    `json:"transcription_status"`
	TranscriptID        string    `json:"transcript_id"`
	TranscriptionText   string    `json:"transcription_text"`
	TranscriptionError  string    `json:"transcription_error"`
	CreatedAt           time.Time `json:"created_at"`
}

// TranscriptionStatus is the current state of one transcription job.
type TranscriptionStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Terminal reports whether the status will never change again.
func (s *TranscriptionStatus) Terminal() bool {
	return s.Status == TranscriptionCompleted || s.Status == TranscriptionFailed
}

type Client struct {
	baseURL          string
	transcriptionURL string
	token            string
	http             *http.Client
	blobs            BlobStore
	log              zerolog.Logger
}

type Options struct {
	BaseURL          string
	TranscriptionURL string // empty means transcription is not configured
	Token            string
	Blobs            BlobStore // nil selects the API multipart store
	Timeout          time.Duration
	Log              zerolog.Logger
}

func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL:          strings.TrimRight(opts.BaseURL, "/"),
		transcriptionURL: strings.TrimRight(opts.TranscriptionURL, "/"),
		token:            opts.Token,
		http:             &http.Client{Timeout: timeout},
		blobs:            opts.Blobs,
		log:              opts.Log,
	}
	if c.blobs == nil {
		c.blobs = NewAPIBlobStore(c.baseURL, c.token, timeout)
	}
	return c
}

// TranscriptionConfigured reports whether a transcription service URL is set.
func (c *Client) TranscriptionConfigured() bool { return c.transcriptionURL != "" }

// BlobStoreType identifies the configured blob transport ("api" or "s3").
func (c *Client) BlobStoreType() string { return c.blobs.Type() }

// CreateRecording creates the remote recording record for a session.
func (c *Client) CreateRecording(ctx context.Context, sessionID, userID, fileName string) (*Recording, error) {
	body := map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
		"file_name":  fileName,
	}
	var rec Recording
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/api/v1/recordings", body, &rec); err != nil {
		return nil, &PersistenceError{Op: "create recording", Err: err}
	}
	return &rec, nil
}

// UploadAudioBlob stores the audio bytes for an existing recording record.
func (c *Client) UploadAudioBlob(ctx context.Context, recordingID, fileName string, data []byte, contentType string) error {
	if err := c.blobs.Save(ctx, recordingID, fileName, data, contentType); err != nil {
		return &StorageError{Op: "upload audio blob", Err: err}
	}
	return nil
}

// UpdateRecordingDuration records the final duration on the remote record.
func (c *Client) UpdateRecordingDuration(ctx context.Context, recordingID string, durationSeconds float64) error {
	body := map[string]float64{"duration_seconds": durationSeconds}
	url := fmt.Sprintf("%s/api/v1/recordings/%s", c.baseURL, recordingID)
	if err := c.do(ctx, http.MethodPatch, url, body, nil); err != nil {
		return &PersistenceError{Op: "update recording duration", Err: err}
	}
	return nil
}

// StartTranscription kicks off the speech-to-text job for a recording.
func (c *Client) StartTranscription(ctx context.Context, recordingID string) error {
	if c.transcriptionURL == "" {
		return ErrTranscriptionNotConfigured
	}
	body := map[string]string{"recording_id": recordingID}
	if err := c.do(ctx, http.MethodPost, c.transcriptionURL+"/v1/transcriptions", body, nil); err != nil {
		return &TranscriptionStartError{RecordingID: recordingID, Err: err}
	}
	return nil
}

// GetTranscriptionStatus fetches the current transcription status. With
// forceSync the backend re-checks the upstream provider before answering,
// covering missed webhook delivery.
func (c *Client) GetTranscriptionStatus(ctx context.Context, recordingID string, forceSync bool) (*TranscriptionStatus, error) {
	url := fmt.Sprintf("%s/api/v1/recordings/%s/transcription", c.baseURL, recordingID)
	if forceSync {
		url += "?force_sync=true"
	}
	var st TranscriptionStatus
	if err := c.do(ctx, http.MethodGet, url, nil, &st); err != nil {
		return nil, &PollError{RecordingID: recordingID, Err: err}
	}
	return &st, nil
}

// SyncTranscriptionStatus asks the transcription service to re-pull job
// state from the upstream provider.
func (c *Client) SyncTranscriptionStatus(ctx context.Context, recordingID string) error {
	if c.transcriptionURL == "" {
		return ErrTranscriptionNotConfigured
	}
	url := fmt.Sprintf("%s/v1/transcriptions/%s/sync", c.transcriptionURL, recordingID)
	if err := c.do(ctx, http.MethodPost, url, nil, nil); err != nil {
		return &PollError{RecordingID: recordingID, Err: err}
	}
	return nil
}

// DeleteRecording removes the remote recording record.
func (c *Client) DeleteRecording(ctx context.Context, recordingID string) error {
	url := fmt.Sprintf("%s/api/v1/recordings/%s", c.baseURL, recordingID)
	if err := c.do(ctx, http.MethodDelete, url, nil, nil); err != nil {
		return &PersistenceError{Op: "delete recording", Err: err}
	}
	return nil
}

// Ping checks backend reachability for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
