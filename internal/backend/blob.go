package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/config"
)

// BlobStore abstracts the audio blob transport.
type BlobStore interface {
	// Save stores the audio bytes for a recording.
	Save(ctx context.Context, recordingID, fileName string, data []byte, contentType string) error

	// Type returns "api" or "s3".
	Type() string
}

// NewBlobStore selects the blob transport from config. Returns an error if
// the bucket is configured but unreachable, so misconfiguration is caught at
// startup rather than at the first upload.
func NewBlobStore(cfg config.S3Config, baseURL, token string, log zerolog.Logger) (BlobStore, error) {
	if !cfg.Enabled() {
		return NewAPIBlobStore(strings.TrimRight(baseURL, "/"), token, 60*time.Second), nil
	}

	s3store, err := NewS3BlobStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("s3 init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("s3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("s3 connection verified")
	return s3store, nil
}

// APIBlobStore uploads blobs through the backend API as multipart/form-data.
type APIBlobStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewAPIBlobStore(baseURL, token string, timeout time.Duration) *APIBlobStore {
	return &APIBlobStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *APIBlobStore) Save(ctx context.Context, recordingID, fileName string, data []byte, contentType string) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, fileName))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write audio data: %w", err)
	}
	w.Close()

	url := fmt.Sprintf("%s/api/v1/recordings/%s/audio", s.baseURL, recordingID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *APIBlobStore) Type() string { return "api" }
