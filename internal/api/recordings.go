package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"github.com/velar-health/capture-agent/internal/capture"
	"github.com/velar-health/capture-agent/internal/recovery"
	"github.com/velar-health/capture-agent/internal/recstore"
	"github.com/velar-health/capture-agent/internal/session"
	"github.com/velar-health/capture-agent/internal/uploader"
)

// RecordingsHandler exposes the recording lifecycle and local store to the
// UI shell.
type RecordingsHandler struct {
	orc     *session.Orchestrator
	queue   *uploader.Queue
	store   *recstore.Store
	tracker *recovery.Tracker
}

func NewRecordingsHandler(orc *session.Orchestrator, queue *uploader.Queue, store *recstore.Store, tracker *recovery.Tracker) *RecordingsHandler {
	return &RecordingsHandler{orc: orc, queue: queue, store: store, tracker: tracker}
}

// StatusResponse combines the live session state with recovery tracking.
type StatusResponse struct {
	session.StatusSnapshot
	TrackedTranscriptions []string `json:"tracked_transcriptions"`
}

// UnuploadedRecording is the blob-free listing view of a store entry.
type UnuploadedRecording struct {
	LocalID           string  `json:"local_id"`
	FileName          string  `json:"file_name"`
	SessionID         string  `json:"session_id"`
	DurationSeconds   float64 `json:"duration_seconds"`
	CreatedAt         string  `json:"created_at"`
	UploadError       string  `json:"upload_error,omitempty"`
	RemoteRecordingID string  `json:"remote_recording_id,omitempty"`
	Checkpoint        bool    `json:"checkpoint"`
}

func (h *RecordingsHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{StatusSnapshot: h.orc.Status()}
	if h.tracker != nil {
		resp.TrackedTranscriptions = h.tracker.Tracking()
	}
	if resp.TrackedTranscriptions == nil {
		resp.TrackedTranscriptions = []string{}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (h *RecordingsHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionID string `json:"session_id"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.SessionID == "" {
		WriteError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if err := h.orc.StartRecording(body.SessionID); err != nil {
		writeLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"session_id": body.SessionID, "status": "recording"})
}

func (h *RecordingsHandler) PauseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.PauseRecording(); err != nil {
		writeLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *RecordingsHandler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.ResumeRecording(); err != nil {
		writeLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "recording"})
}

func (h *RecordingsHandler) StopSession(w http.ResponseWriter, r *http.Request) {
	localID, err := h.orc.StopRecording(r.Context())
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "stopped", "local_id": localID})
}

func (h *RecordingsHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	if err := h.orc.CancelRecording(r.Context()); err != nil {
		writeLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *RecordingsHandler) FlushCheckpoint(w http.ResponseWriter, r *http.Request) {
	h.orc.Checkpoint(r.Context())
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *RecordingsHandler) ListUnuploaded(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListUnuploaded(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list unuploaded recordings")
		WriteError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}
	out := make([]UnuploadedRecording, 0, len(entries))
	for _, e := range entries {
		out = append(out, UnuploadedRecording{
			LocalID:           e.ID,
			FileName:          e.FileName,
			SessionID:         e.SessionID,
			DurationSeconds:   e.DurationSeconds,
			CreatedAt:         e.CreatedAt.UTC().Format(time.RFC3339),
			UploadError:       e.UploadError,
			RemoteRecordingID: e.RemoteRecordingID,
			Checkpoint:        e.Checkpoint,
		})
	}
	WriteJSON(w, http.StatusOK, map[string]any{"recordings": out, "count": len(out)})
}

func (h *RecordingsHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"uploads": h.queue.List()})
}

func (h *RecordingsHandler) RetryUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Retry(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"local_id": id, "status": "queued"})
}

// SyncTranscription triggers an immediate status sync for a remote recording,
// without waiting for the poller's own escalation thresholds.
func (h *RecordingsHandler) SyncTranscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.tracker == nil {
		WriteError(w, http.StatusServiceUnavailable, "transcription recovery not available")
		return
	}
	if err := h.tracker.SyncNow(r.Context(), id); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("recording_id", id).Msg("manual transcription sync failed")
		WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"recording_id": id, "status": "sync_requested"})
}

func (h *RecordingsHandler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := h.orc.Orphans(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to list orphans")
		WriteError(w, http.StatusInternalServerError, "failed to list orphans")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"orphans": orphans, "count": len(orphans)})
}

func (h *RecordingsHandler) RecoverOrphan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := h.orc.RecoverOrphan(r.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"local_id": newID, "status": "queued"})
}

func (h *RecordingsHandler) DismissRecording(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orc.DismissOrphan(r.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Routes registers all recording and session routes. destructive wraps the
// routes that discard audio, so they stay unreachable until an auth token is
// configured.
func (h *RecordingsHandler) Routes(r chi.Router, destructive func(http.Handler) http.Handler) {
	r.Get("/status", h.GetStatus)

	r.Route("/session", func(r chi.Router) {
		r.Post("/start", h.StartSession)
		r.Post("/pause", h.PauseSession)
		r.Post("/resume", h.ResumeSession)
		r.Post("/stop", h.StopSession)
		r.Post("/cancel", h.CancelSession)
		r.Post("/checkpoint", h.FlushCheckpoint)
	})

	r.Route("/recordings", func(r chi.Router) {
		r.Get("/unuploaded", h.ListUnuploaded)
		r.Get("/pending", h.ListPending)
		r.Get("/orphans", h.ListOrphans)
		r.Post("/{id}/retry", h.RetryUpload)
		r.Post("/{id}/sync", h.SyncTranscription)
		r.Post("/{id}/recover", h.RecoverOrphan)
		r.With(destructive).Delete("/{id}", h.DismissRecording)
	})
}

func writeLifecycleError(w http.ResponseWriter, err error) {
	var transition *capture.TransitionError
	switch {
	case errors.As(err, &transition):
		WriteError(w, http.StatusConflict, err.Error())
	case strings.Contains(err.Error(), "not found"):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, capture.ErrDeviceUnavailable):
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		WriteError(w, http.StatusBadRequest, err.Error())
	}
}
