package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, transcriptionURL string) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		BaseURL:          srv.URL,
		TranscriptionURL: transcriptionURL,
		Token:            "secret",
		Log:              zerolog.Nop(),
	})
	return c, srv
}

func TestCreateRecording(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/v1/recordings" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer secret" {
				t.Errorf("Authorization = %q", got)
			}
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["session_id"] != "s1" || body["user_id"] != "u1" || body["file_name"] != "a.ogg" {
				t.Errorf("body = %v", body)
			}
			json.NewEncoder(w).Encode(Recording{ID: "rem-1", FileName: "a.ogg", TranscriptionStatus: TranscriptionPending})
		}, "")

		rec, err := c.CreateRecording(context.Background(), "s1", "u1", "a.ogg")
		if err != nil {
			t.Fatalf("CreateRecording: %v", err)
		}
		if rec.ID != "rem-1" {
			t.Errorf("ID = %q, want rem-1", rec.ID)
		}
	})

	t.Run("failure_is_persistence_error", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"session not owned by clinic"}`, http.StatusForbidden)
		}, "")

		_, err := c.CreateRecording(context.Background(), "s1", "u1", "a.ogg")
		var pe *PersistenceError
		if !errors.As(err, &pe) {
			t.Fatalf("error = %v, want PersistenceError", err)
		}
		if !strings.Contains(pe.Error(), "403") {
			t.Errorf("error does not mention status: %v", pe)
		}
	})
}

func TestUploadAudioBlob(t *testing.T) {
	t.Run("api_multipart", func(t *testing.T) {
		var gotPath, gotContentType string
		var gotData []byte
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			f, hdr, err := r.FormFile("file")
			if err != nil {
				t.Fatalf("FormFile: %v", err)
			}
			defer f.Close()
			gotData, _ = io.ReadAll(f)
			gotContentType = hdr.Header.Get("Content-Type")
			w.WriteHeader(http.StatusCreated)
		}, "")

		err := c.UploadAudioBlob(context.Background(), "rem-1", "a.ogg", []byte("oggdata"), "audio/ogg")
		if err != nil {
			t.Fatalf("UploadAudioBlob: %v", err)
		}
		if gotPath != "/api/v1/recordings/rem-1/audio" {
			t.Errorf("path = %q", gotPath)
		}
		if string(gotData) != "oggdata" {
			t.Errorf("data = %q", gotData)
		}
		if gotContentType != "audio/ogg" {
			t.Errorf("content type = %q, want audio/ogg", gotContentType)
		}
	})

	t.Run("failure_is_storage_error", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"bucket not found"}`, http.StatusNotFound)
		}, "")

		err := c.UploadAudioBlob(context.Background(), "rem-1", "a.ogg", []byte("x"), "audio/ogg")
		var se *StorageError
		if !errors.As(err, &se) {
			t.Fatalf("error = %v, want StorageError", err)
		}
	})
}

func TestStartTranscription(t *testing.T) {
	t.Run("not_configured", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, "")
		err := c.StartTranscription(context.Background(), "rem-1")
		if !errors.Is(err, ErrTranscriptionNotConfigured) {
			t.Fatalf("error = %v, want ErrTranscriptionNotConfigured", err)
		}
	})

	t.Run("failure_is_start_error", func(t *testing.T) {
		trSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "provider overloaded", http.StatusBadGateway)
		}))
		defer trSrv.Close()
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, trSrv.URL)

		err := c.StartTranscription(context.Background(), "rem-1")
		var te *TranscriptionStartError
		if !errors.As(err, &te) {
			t.Fatalf("error = %v, want TranscriptionStartError", err)
		}
		if te.RecordingID != "rem-1" {
			t.Errorf("RecordingID = %q", te.RecordingID)
		}
	})
}

func TestGetTranscriptionStatus(t *testing.T) {
	t.Run("force_sync_propagated", func(t *testing.T) {
		var gotForce string
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotForce = r.URL.Query().Get("force_sync")
			json.NewEncoder(w).Encode(TranscriptionStatus{Status: TranscriptionProcessing})
		}, "")

		st, err := c.GetTranscriptionStatus(context.Background(), "rem-1", true)
		if err != nil {
			t.Fatalf("GetTranscriptionStatus: %v", err)
		}
		if gotForce != "true" {
			t.Errorf("force_sync = %q, want true", gotForce)
		}
		if st.Terminal() {
			t.Error("processing status reported as terminal")
		}
	})

	t.Run("terminal_states", func(t *testing.T) {
		for _, status := range []string{TranscriptionCompleted, TranscriptionFailed} {
			st := &TranscriptionStatus{Status: status}
			if !st.Terminal() {
				t.Errorf("Terminal() = false for %q", status)
			}
		}
	})

	t.Run("network_error_is_poll_error", func(t *testing.T) {
		c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {}, "")
		srv.Close() // simulate outage

		_, err := c.GetTranscriptionStatus(context.Background(), "rem-1", false)
		var pe *PollError
		if !errors.As(err, &pe) {
			t.Fatalf("error = %v, want PollError", err)
		}
	})
}

func TestDeleteRecording(t *testing.T) {
	var gotMethod, gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}, "")

	if err := c.DeleteRecording(context.Background(), "rem-1"); err != nil {
		t.Fatalf("DeleteRecording: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/v1/recordings/rem-1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}
