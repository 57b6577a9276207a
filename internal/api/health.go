package api

import (
	"context"
	"net/http"
	"time"
)

// StoreChecker is the local recording store's health probe.
type StoreChecker interface {
	HealthCheck(ctx context.Context) error
}

// SourceChecker reports whether the capture source is reachable.
type SourceChecker interface {
	Connected() bool
}

// BackendChecker probes the remote backend.
type BackendChecker interface {
	Ping(ctx context.Context) error
	TranscriptionConfigured() bool
	BlobStoreType() string
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	BlobStore     string            `json:"blob_store,omitempty"`
}

type HealthHandler struct {
	store     StoreChecker
	source    SourceChecker
	backend   BackendChecker
	version   string
	startTime time.Time
}

func NewHealthHandler(store StoreChecker, source SourceChecker, backend BackendChecker, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		store:     store,
		source:    source,
		backend:   backend,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// The local store is the durability anchor: without it the agent must
	// not accept recordings at all.
	if err := h.store.HealthCheck(r.Context()); err != nil {
		checks["store"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if h.source != nil {
		if h.source.Connected() {
			checks["capture_source"] = "ok"
		} else {
			checks["capture_source"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["capture_source"] = "not_configured"
	}

	// Backend outage degrades but never fails the agent: recordings keep
	// landing in the local store and are swept once connectivity returns.
	blobStore := ""
	if h.backend != nil {
		if err := h.backend.Ping(r.Context()); err != nil {
			checks["backend"] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
		} else {
			checks["backend"] = "ok"
		}
		if h.backend.TranscriptionConfigured() {
			checks["transcription"] = "ok"
		} else {
			checks["transcription"] = "not_configured"
		}
		blobStore = h.backend.BlobStoreType()
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		BlobStore:     blobStore,
	})
}
