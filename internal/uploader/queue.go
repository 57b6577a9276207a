// Package uploader drives captured recordings through the remote pipeline
// in the background: persist locally first, then create record → upload blob
// → update duration → start transcription. Stopping a recording is never
// blocked on network I/O; every failure leaves a recoverable local entry.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/backend"
	"github.com/velar-health/capture-agent/internal/events"
	"github.com/velar-health/capture-agent/internal/metrics"
	"github.com/velar-health/capture-agent/internal/recstore"
)

// Status of one pending upload. Failures are terminal until explicit retry.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusUploading         Status = "uploading"
	StatusTranscribingStart Status = "transcribing-start"
	StatusSucceeded         Status = "succeeded"
	StatusFailed            Status = "failed"
)

// Backend is the subset of the backend client the queue drives.
type Backend interface {
	CreateRecording(ctx context.Context, sessionID, userID, fileName string) (*backend.Recording, error)
	UploadAudioBlob(ctx context.Context, recordingID, fileName string, data []byte, contentType string) error
	UpdateRecordingDuration(ctx context.Context, recordingID string, durationSeconds float64) error
	StartTranscription(ctx context.Context, recordingID string) error
}

// Request is a finished capture handed over for background upload.
type Request struct {
	Blob            []byte
	MimeType        string
	FileName        string
	DurationSeconds float64
	SessionID       string
}

// Pending is the in-memory view of one queued upload.
type Pending struct {
	LocalID           string    `json:"local_id"`
	SessionID         string    `json:"session_id"`
	FileName          string    `json:"file_name"`
	Status            Status    `json:"status"`
	Error             string    `json:"error,omitempty"`
	Warning           string    `json:"warning,omitempty"`
	RemoteRecordingID string    `json:"remote_recording_id,omitempty"`
	QueuedAt          time.Time `json:"queued_at"`
}

// Options configures the upload queue.
type Options struct {
	Store            *recstore.Store
	Backend          Backend
	Bus              *events.Bus
	UserID           string
	Workers          int
	QueueSize        int
	StartRetryDelays []time.Duration
	SweepInterval    time.Duration // 0 disables the online-recovery sweep
	Sleep            func(ctx context.Context, d time.Duration) error
	Log              zerolog.Logger
}

// Queue manages background upload workers.
type Queue struct {
	jobs  chan string
	store *recstore.Store
	be    Backend
	bus   *events.Bus
	opts  Options
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	pending  map[string]*Pending
	inflight map[string]struct{}

	onTranscriptionStarted func(recordingID, sessionID string)

	succeeded atomic.Int64
	failed    atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New creates an upload queue. Call Start to launch workers.
func New(opts Options) *Queue {
	if opts.Workers < 1 {
		opts.Workers = 2
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 32
	}
	if len(opts.StartRetryDelays) == 0 {
		opts.StartRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		jobs:     make(chan string, opts.QueueSize),
		store:    opts.Store,
		be:       opts.Backend,
		bus:      opts.Bus,
		opts:     opts,
		log:      opts.Log,
		sleep:    sleep,
		pending:  make(map[string]*Pending),
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOnTranscriptionStarted registers the observer notified after a
// transcription job was successfully started for an uploaded recording.
func (q *Queue) SetOnTranscriptionStarted(fn func(recordingID, sessionID string)) {
	q.mu.Lock()
	q.onTranscriptionStarted = fn
	q.mu.Unlock()
}

// Start launches the worker goroutines and the online-recovery sweeper.
func (q *Queue) Start() {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	if q.opts.SweepInterval > 0 {
		q.wg.Add(1)
		go q.sweeper()
	}
	q.log.Info().Int("workers", q.opts.Workers).Int("queue_size", q.opts.QueueSize).Msg("upload queue started")
}

// Stop signals workers to drain and waits for completion.
func (q *Queue) Stop() {
	if q.stopped.Swap(true) {
		return
	}
	q.cancel()
	close(q.jobs)
	q.wg.Wait()
	q.log.Info().
		Int64("succeeded", q.succeeded.Load()).
		Int64("failed", q.failed.Load()).
		Msg("upload queue stopped")
}

// QueueUpload accepts a finished capture. The blob is persisted locally
// before the call returns; the remote pipeline runs in the background.
func (q *Queue) QueueUpload(ctx context.Context, req Request) (string, error) {
	if len(req.Blob) == 0 {
		return "", fmt.Errorf("recording blob is empty")
	}
	if math.IsNaN(req.DurationSeconds) || math.IsInf(req.DurationSeconds, 0) || req.DurationSeconds < 0 {
		return "", fmt.Errorf("recording duration %v is not valid", req.DurationSeconds)
	}
	if req.SessionID == "" {
		return "", fmt.Errorf("recording has no session")
	}
	fileName := req.FileName
	if fileName == "" {
		fileName = fmt.Sprintf("session-%s-%d.ogg", req.SessionID, time.Now().Unix())
	}

	// Durability anchor: the local store entry exists before any network I/O.
	id, err := q.store.Save(ctx, recstore.SaveParams{
		Blob:            req.Blob,
		MimeType:        req.MimeType,
		FileName:        fileName,
		DurationSeconds: req.DurationSeconds,
		SessionID:       req.SessionID,
	})
	if err != nil {
		return "", fmt.Errorf("persist recording locally: %w", err)
	}

	q.setPending(id, &Pending{
		LocalID:   id,
		SessionID: req.SessionID,
		FileName:  fileName,
		Status:    StatusQueued,
		QueuedAt:  time.Now(),
	})
	q.publish("queued", id, req.SessionID, map[string]string{"file_name": fileName})

	if err := q.enqueue(id); err != nil {
		// The local entry is safe; the sweeper will pick it up.
		q.updatePending(id, func(p *Pending) {
			p.Status = StatusFailed
			p.Error = err.Error()
		})
		return id, err
	}
	return id, nil
}

// Retry re-enters a failed upload into the queue. The pipeline resumes from
// the point of failure: an existing remote record is reused, never duplicated.
func (q *Queue) Retry(ctx context.Context, localID string) error {
	entry, err := q.store.Get(ctx, localID)
	if err != nil {
		return fmt.Errorf("load recording %s: %w", localID, err)
	}
	if entry == nil {
		return fmt.Errorf("recording %s not found", localID)
	}
	if entry.Uploaded {
		return fmt.Errorf("recording %s is already uploaded", localID)
	}

	q.setPendingIfAbsent(localID, &Pending{
		LocalID:   localID,
		SessionID: entry.SessionID,
		FileName:  entry.FileName,
		QueuedAt:  time.Now(),
	})
	if err := q.enqueue(localID); err != nil {
		return err
	}
	q.updatePending(localID, func(p *Pending) {
		p.Status = StatusQueued
		p.Error = ""
	})
	return nil
}

// enqueue reserves the local id so the same recording is never uploaded
// twice concurrently, then hands it to a worker.
func (q *Queue) enqueue(id string) error {
	if q.stopped.Load() {
		return fmt.Errorf("upload queue is stopped")
	}
	q.mu.Lock()
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return nil
	}
	q.inflight[id] = struct{}{}
	q.mu.Unlock()

	select {
	case q.jobs <- id:
		return nil
	default:
		q.mu.Lock()
		delete(q.inflight, id)
		q.mu.Unlock()
		return fmt.Errorf("upload queue is full")
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for id := range q.jobs {
		q.process(id)
		q.mu.Lock()
		delete(q.inflight, id)
		q.mu.Unlock()
	}
}

func (q *Queue) process(id string) {
	entry, err := q.store.Get(q.ctx, id)
	if err != nil {
		q.log.Error().Err(err).Str("local_id", id).Msg("failed to load queued recording")
		return
	}
	if entry == nil {
		q.log.Warn().Str("local_id", id).Msg("queued recording vanished, skipping")
		return
	}
	if entry.Uploaded {
		return
	}

	q.updatePending(id, func(p *Pending) { p.Status = StatusUploading })

	remoteID := entry.RemoteRecordingID
	if remoteID == "" {
		rec, err := q.be.CreateRecording(q.ctx, entry.SessionID, q.opts.UserID, entry.FileName)
		if err != nil {
			q.fail(id, entry, err)
			return
		}
		remoteID = rec.ID
		// Persist immediately so a later retry reuses the record.
		if err := q.store.SetRemoteRecordingID(q.ctx, id, remoteID); err != nil {
			q.log.Error().Err(err).Str("local_id", id).Msg("failed to persist remote recording id")
		}
	}

	if err := q.be.UploadAudioBlob(q.ctx, remoteID, entry.FileName, entry.Blob, entry.MimeType); err != nil {
		q.fail(id, entry, err)
		return
	}
	if err := q.be.UpdateRecordingDuration(q.ctx, remoteID, entry.DurationSeconds); err != nil {
		q.fail(id, entry, err)
		return
	}

	if err := q.store.MarkUploaded(q.ctx, id, remoteID, entry.SessionID); err != nil {
		// The upload itself succeeded; keep going, the sweeper will
		// re-verify the entry on the next pass.
		q.log.Error().Err(err).Str("local_id", id).Msg("failed to mark local entry uploaded")
	}
	q.succeeded.Add(1)
	metrics.UploadsTotal.WithLabelValues("succeeded").Inc()
	q.updatePending(id, func(p *Pending) {
		p.Status = StatusTranscribingStart
		p.RemoteRecordingID = remoteID
		p.Error = ""
	})
	q.publish("succeeded", id, entry.SessionID, map[string]string{
		"file_name":           entry.FileName,
		"remote_recording_id": remoteID,
	})

	q.startTranscription(id, remoteID, entry)
}

func (q *Queue) startTranscription(id, remoteID string, entry *recstore.Entry) {
	err := q.startWithRetry(q.ctx, remoteID)
	switch {
	case err == nil:
		q.updatePending(id, func(p *Pending) { p.Status = StatusSucceeded })
		q.mu.Lock()
		fn := q.onTranscriptionStarted
		q.mu.Unlock()
		if fn != nil {
			fn(remoteID, entry.SessionID)
		}
		q.publishEvent(events.TypeTranscription, "started", remoteID, entry.SessionID, nil)

	case errors.Is(err, backend.ErrTranscriptionNotConfigured):
		q.warn(id, remoteID, entry, "транскрипция не настроена: задайте TRANSCRIPTION_URL")

	default:
		// Upload success is never reverted: this is a warning, not a failure.
		q.warn(id, remoteID, entry, fmt.Sprintf("не удалось запустить транскрипцию: %v", err))
	}
}

func (q *Queue) startWithRetry(ctx context.Context, remoteID string) error {
	delays := q.opts.StartRetryDelays
	var lastErr error
	for i := range delays {
		metrics.TranscriptionStartAttemptsTotal.Inc()
		err := q.be.StartTranscription(ctx, remoteID)
		if err == nil {
			return nil
		}
		if errors.Is(err, backend.ErrTranscriptionNotConfigured) {
			return err
		}
		lastErr = err
		q.log.Warn().Err(err).Str("recording_id", remoteID).Int("attempt", i+1).Msg("transcription start failed")
		if i < len(delays)-1 {
			if err := q.sleep(ctx, delays[i]); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func (q *Queue) warn(id, remoteID string, entry *recstore.Entry, msg string) {
	q.updatePending(id, func(p *Pending) {
		p.Status = StatusSucceeded
		p.Warning = msg
	})
	q.publishEvent(events.TypeTranscription, "start_failed", remoteID, entry.SessionID, map[string]string{
		"class":   events.ClassTranscription,
		"label":   events.ClassLabel(events.ClassTranscription),
		"warning": msg,
	})
}

func (q *Queue) fail(id string, entry *recstore.Entry, err error) {
	q.failed.Add(1)
	metrics.UploadsTotal.WithLabelValues("failed").Inc()

	// Durability write must not depend on the queue's lifecycle context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := q.store.MarkUploadFailed(ctx, id, err.Error()); serr != nil {
		q.log.Error().Err(serr).Str("local_id", id).Msg("failed to record upload failure locally")
	}

	q.updatePending(id, func(p *Pending) {
		p.Status = StatusFailed
		p.Error = err.Error()
	})
	q.log.Warn().Err(err).Str("local_id", id).Str("session_id", entry.SessionID).Msg("upload failed, local copy retained")
	q.publish("failed", id, entry.SessionID, map[string]string{
		"class": events.ClassUpload,
		"label": events.ClassLabel(events.ClassUpload),
		"error": err.Error(),
	})
}

// sweeper retries unuploaded local entries once connectivity returns,
// excluding mid-flight checkpoint markers.
func (q *Queue) sweeper() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.Sweep()
		}
	}
}

// Sweep enqueues every unuploaded non-checkpoint entry not already in
// flight. Exposed for the orchestrator's startup recovery.
func (q *Queue) Sweep() {
	entries, err := q.store.ListUnuploaded(q.ctx)
	if err != nil {
		q.log.Error().Err(err).Msg("recovery sweep failed to list recordings")
		return
	}
	for _, e := range entries {
		if e.Checkpoint {
			continue
		}
		q.setPendingIfAbsent(e.ID, &Pending{
			LocalID:   e.ID,
			SessionID: e.SessionID,
			FileName:  e.FileName,
			Status:    StatusQueued,
			QueuedAt:  time.Now(),
		})
		if err := q.enqueue(e.ID); err != nil {
			q.log.Warn().Err(err).Str("local_id", e.ID).Msg("recovery sweep could not enqueue recording")
			return
		}
	}
}

// Counts reports queued/active/failed pending uploads for the status API.
func (q *Queue) Counts() (queued, active, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.pending {
		switch p.Status {
		case StatusQueued:
			queued++
		case StatusUploading, StatusTranscribingStart:
			active++
		case StatusFailed:
			failed++
		}
	}
	return
}

// List returns a snapshot of all pending uploads, oldest first.
func (q *Queue) List() []Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Pending, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Get returns a snapshot of one pending upload, or nil.
func (q *Queue) Get(localID string) *Pending {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p, ok := q.pending[localID]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (q *Queue) setPending(id string, p *Pending) {
	q.mu.Lock()
	q.pending[id] = p
	q.mu.Unlock()
}

func (q *Queue) setPendingIfAbsent(id string, p *Pending) {
	q.mu.Lock()
	if _, ok := q.pending[id]; !ok {
		q.pending[id] = p
	}
	q.mu.Unlock()
}

func (q *Queue) updatePending(id string, fn func(*Pending)) {
	q.mu.Lock()
	if p, ok := q.pending[id]; ok {
		fn(p)
	}
	q.mu.Unlock()
}

func (q *Queue) publish(subType, localID, sessionID string, payload map[string]string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.EventData{
		Type:      events.TypeUpload,
		SubType:   subType,
		SessionID: sessionID,
		Payload:   withLocalID(payload, localID),
	})
}

func (q *Queue) publishEvent(typ, subType, recordingID, sessionID string, payload map[string]string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(events.EventData{
		Type:        typ,
		SubType:     subType,
		SessionID:   sessionID,
		RecordingID: recordingID,
		Payload:     payload,
	})
}

func withLocalID(payload map[string]string, localID string) map[string]string {
	if payload == nil {
		payload = map[string]string{}
	}
	payload["local_id"] = localID
	return payload
}
