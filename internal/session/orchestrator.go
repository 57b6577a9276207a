// Package session coordinates the recording lifecycle for one clinician
// session: recorder state transitions, periodic checkpoints, the crash
// breadcrumb, handoff to the upload queue, and startup orphan recovery.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/capture"
	"github.com/velar-health/capture-agent/internal/events"
	"github.com/velar-health/capture-agent/internal/metrics"
	"github.com/velar-health/capture-agent/internal/recstore"
	"github.com/velar-health/capture-agent/internal/uploader"
)

// RemoteDeleter removes a remote recording record during orphan dismissal.
type RemoteDeleter interface {
	DeleteRecording(ctx context.Context, recordingID string) error
}

// Options configures the orchestrator.
type Options struct {
	Recorder           *capture.Recorder
	Store              *recstore.Store
	Queue              *uploader.Queue
	Remote             RemoteDeleter
	Bus                *events.Bus
	Breadcrumbs        *BreadcrumbFile
	CheckpointInterval time.Duration
	Log                zerolog.Logger
}

// Orphan is a recoverable leftover from a crashed run.
type Orphan struct {
	LocalID         string  `json:"local_id"`
	SessionID       string  `json:"session_id"`
	FileName        string  `json:"file_name"`
	DurationSeconds float64 `json:"duration_seconds"`
	CreatedAt       string  `json:"created_at"`
	Checkpoint      bool    `json:"checkpoint"`
}

// StatusSnapshot is the live state exposed to the UI shell.
type StatusSnapshot struct {
	RecorderStatus  string  `json:"recorder_status"`
	SessionID       string  `json:"session_id,omitempty"`
	ElapsedSeconds  float64 `json:"elapsed_seconds"`
	ChunkCount      int     `json:"chunk_count"`
	QueuedUploads   int     `json:"queued_uploads"`
	ActiveUploads   int     `json:"active_uploads"`
	FailedUploads   int     `json:"failed_uploads"`
	SourceConnected bool    `json:"source_connected"`
}

// Orchestrator owns the active recording session.
type Orchestrator struct {
	rec    *capture.Recorder
	src    capture.Source
	store  *recstore.Store
	queue  *uploader.Queue
	remote RemoteDeleter
	bus    *events.Bus
	crumbs *BreadcrumbFile
	every  time.Duration
	log    zerolog.Logger

	mu           sync.Mutex
	sessionID    string
	checkpointID string
	ckptCancel   context.CancelFunc
	ckptDone     chan struct{}

	// ckptWriteMu serializes the read-previous/replace/record-new sequence
	// so concurrent flushes (ticker, lifecycle, API, shutdown) can never
	// leave two live checkpoint rows for one recording.
	ckptWriteMu sync.Mutex
}

// New creates the orchestrator. src may be nil when the agent runs in
// upload-only mode without a capture source.
func New(opts Options, src capture.Source) *Orchestrator {
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = 10 * time.Minute
	}
	return &Orchestrator{
		rec:    opts.Recorder,
		src:    src,
		store:  opts.Store,
		queue:  opts.Queue,
		remote: opts.Remote,
		bus:    opts.Bus,
		crumbs: opts.Breadcrumbs,
		every:  opts.CheckpointInterval,
		log:    opts.Log.With().Str("component", "session").Logger(),
	}
}

// StartRecording begins capturing for the given session.
func (o *Orchestrator) StartRecording(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sessionID != "" {
		return fmt.Errorf("session %s is already recording", o.sessionID)
	}
	if err := o.rec.Start(); err != nil {
		return err
	}
	o.sessionID = sessionID

	ctx, cancel := context.WithCancel(context.Background())
	o.ckptCancel = cancel
	o.ckptDone = make(chan struct{})
	go o.checkpointLoop(ctx, o.ckptDone)

	o.publish("started", sessionID, nil)
	o.log.Info().Str("session_id", sessionID).Msg("recording started")
	return nil
}

// PauseRecording suspends capture without ending the session.
func (o *Orchestrator) PauseRecording() error {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	if err := o.rec.Pause(); err != nil {
		return err
	}
	o.publish("paused", sessionID, nil)
	return nil
}

// ResumeRecording continues a paused session.
func (o *Orchestrator) ResumeRecording() error {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	if err := o.rec.Resume(); err != nil {
		return err
	}
	o.publish("resumed", sessionID, nil)
	return nil
}

// StopRecording finishes the session, hands the audio to the upload queue
// and returns the local store id. The checkpoint and breadcrumb are removed
// only after the final blob is safely persisted.
func (o *Orchestrator) StopRecording(ctx context.Context) (string, error) {
	o.mu.Lock()
	sessionID := o.sessionID
	o.stopCheckpointLoopLocked()
	o.mu.Unlock()

	res, err := o.rec.Stop(ctx)
	if err != nil {
		o.publishFailure(sessionID, events.ClassCapture, err)
		return "", err
	}

	localID, err := o.queue.QueueUpload(ctx, uploader.Request{
		Blob:            res.Data,
		MimeType:        res.MimeType,
		DurationSeconds: res.Duration.Seconds(),
		SessionID:       sessionID,
	})
	if err != nil && localID == "" {
		// Nothing was persisted; keep the checkpoint as the fallback copy.
		o.publishFailure(sessionID, events.ClassCapture, err)
		return "", err
	}
	if err != nil {
		o.log.Warn().Err(err).Str("local_id", localID).Msg("upload deferred, recording persisted locally")
	}

	// End the session before removing the checkpoint: a flush racing with
	// stop must see no active session rather than write a row nobody clears.
	o.mu.Lock()
	o.sessionID = ""
	o.mu.Unlock()
	o.clearCheckpoint(ctx)

	if res.Partial {
		o.publish("partial", sessionID, map[string]string{
			"local_id": localID,
			"warning":  "запись была остановлена по достижении лимита длительности",
		})
	}
	o.publish("stopped", sessionID, map[string]string{"local_id": localID})
	o.log.Info().Str("session_id", sessionID).Str("local_id", localID).Dur("duration", res.Duration).Msg("recording stopped")
	return localID, nil
}

// CancelRecording aborts the session and discards everything captured,
// including the checkpoint and breadcrumb.
func (o *Orchestrator) CancelRecording(ctx context.Context) error {
	o.mu.Lock()
	sessionID := o.sessionID
	o.stopCheckpointLoopLocked()
	o.mu.Unlock()

	if err := o.rec.Cancel(); err != nil {
		return err
	}
	o.mu.Lock()
	o.sessionID = ""
	o.mu.Unlock()
	o.clearCheckpoint(ctx)

	o.publish("cancelled", sessionID, nil)
	o.log.Info().Str("session_id", sessionID).Msg("recording cancelled, audio discarded")
	return nil
}

func (o *Orchestrator) stopCheckpointLoopLocked() {
	if o.ckptCancel != nil {
		o.ckptCancel()
		done := o.ckptDone
		o.ckptCancel = nil
		o.ckptDone = nil
		o.mu.Unlock()
		<-done
		o.mu.Lock()
	}
}

func (o *Orchestrator) checkpointLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(o.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Checkpoint(ctx)
		}
	}
}

// Checkpoint writes the audio buffered so far to the local store, replacing
// the previous checkpoint, and refreshes the breadcrumb. Safe to call at any
// time; a no-op when nothing is buffered.
func (o *Orchestrator) Checkpoint(ctx context.Context) {
	data, mime, dur := o.rec.Snapshot()
	if len(data) == 0 {
		return
	}

	o.ckptWriteMu.Lock()
	defer o.ckptWriteMu.Unlock()

	o.mu.Lock()
	sessionID := o.sessionID
	prevID := o.checkpointID
	o.mu.Unlock()
	if sessionID == "" {
		return
	}

	newID, err := o.store.ReplaceCheckpoint(ctx, prevID, recstore.SaveParams{
		Blob:            data,
		MimeType:        mime,
		FileName:        fmt.Sprintf("checkpoint-%s.partial", sessionID),
		DurationSeconds: dur.Seconds(),
		SessionID:       sessionID,
		Checkpoint:      true,
	})
	if err != nil {
		o.log.Error().Err(err).Str("session_id", sessionID).Msg("checkpoint write failed")
		return
	}
	o.mu.Lock()
	o.checkpointID = newID
	o.mu.Unlock()
	metrics.CheckpointsWrittenTotal.Inc()

	if o.crumbs != nil {
		crumb := Breadcrumb{
			SessionID:       sessionID,
			ChunksCount:     o.rec.ChunkCount(),
			MimeType:        mime,
			DurationSeconds: dur.Seconds(),
			Timestamp:       time.Now().UTC(),
		}
		if err := o.crumbs.Write(crumb); err != nil {
			o.log.Error().Err(err).Msg("breadcrumb write failed")
		}
	}
	o.log.Debug().Str("session_id", sessionID).Dur("buffered", dur).Msg("checkpoint written")
}

func (o *Orchestrator) clearCheckpoint(ctx context.Context) {
	o.ckptWriteMu.Lock()
	defer o.ckptWriteMu.Unlock()

	o.mu.Lock()
	prevID := o.checkpointID
	o.checkpointID = ""
	o.mu.Unlock()
	if prevID != "" {
		if err := o.store.Delete(ctx, prevID); err != nil {
			o.log.Error().Err(err).Str("local_id", prevID).Msg("checkpoint delete failed")
		}
	}
	if o.crumbs != nil {
		if err := o.crumbs.Clear(); err != nil {
			o.log.Error().Err(err).Msg("breadcrumb clear failed")
		}
	}
}

// RecoverStartup scans the local store after a restart: regular unuploaded
// entries are re-queued via the upload sweep, checkpoints from a crashed run
// are reported as orphans for the clinician to recover or dismiss.
func (o *Orchestrator) RecoverStartup(ctx context.Context) ([]Orphan, error) {
	var crumb *Breadcrumb
	if o.crumbs != nil {
		var err error
		crumb, err = o.crumbs.Read()
		if err != nil {
			o.log.Warn().Err(err).Msg("breadcrumb unreadable, continuing with store scan")
		}
	}
	if crumb != nil {
		o.log.Warn().
			Str("session_id", crumb.SessionID).
			Float64("duration_seconds", crumb.DurationSeconds).
			Time("last_checkpoint", crumb.Timestamp).
			Msg("previous run died while recording")
	}

	orphans, err := o.Orphans(ctx)
	if err != nil {
		return nil, err
	}

	// Completed-but-unuploaded recordings need no clinician decision.
	o.queue.Sweep()
	return orphans, nil
}

// Orphans lists checkpoint entries left by a crashed run.
func (o *Orchestrator) Orphans(ctx context.Context) ([]Orphan, error) {
	entries, err := o.store.ListUnuploaded(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unuploaded recordings: %w", err)
	}
	orphans := make([]Orphan, 0)
	for _, e := range entries {
		if !e.Checkpoint {
			continue
		}
		orphans = append(orphans, Orphan{
			LocalID:         e.ID,
			SessionID:       e.SessionID,
			FileName:        e.FileName,
			DurationSeconds: e.DurationSeconds,
			CreatedAt:       e.CreatedAt.UTC().Format(time.RFC3339),
			Checkpoint:      true,
		})
	}
	return orphans, nil
}

// RecoverOrphan promotes a crashed checkpoint into a regular upload. The
// checkpoint entry is removed only after the promoted copy is persisted.
func (o *Orchestrator) RecoverOrphan(ctx context.Context, localID string) (string, error) {
	entry, err := o.store.Get(ctx, localID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", fmt.Errorf("recording %s not found", localID)
	}
	if !entry.Checkpoint {
		return "", fmt.Errorf("recording %s is not a checkpoint", localID)
	}

	newID, err := o.queue.QueueUpload(ctx, uploader.Request{
		Blob:            entry.Blob,
		MimeType:        entry.MimeType,
		FileName:        fmt.Sprintf("recovered-%s.ogg", entry.SessionID),
		DurationSeconds: entry.DurationSeconds,
		SessionID:       entry.SessionID,
	})
	if err != nil && newID == "" {
		return "", err
	}
	if derr := o.store.Delete(ctx, localID); derr != nil {
		o.log.Error().Err(derr).Str("local_id", localID).Msg("failed to remove recovered checkpoint")
	}
	if o.crumbs != nil {
		_ = o.crumbs.Clear()
	}
	o.log.Info().Str("local_id", localID).Str("promoted_to", newID).Msg("orphan recovered")
	return newID, nil
}

// DismissOrphan discards a crashed checkpoint. If a remote record was
// already created but never received its audio, it is deleted too so the
// backend does not accumulate empty recordings.
func (o *Orchestrator) DismissOrphan(ctx context.Context, localID string) error {
	entry, err := o.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("recording %s not found", localID)
	}
	if entry.RemoteRecordingID != "" && !entry.Uploaded && o.remote != nil {
		if derr := o.remote.DeleteRecording(ctx, entry.RemoteRecordingID); derr != nil {
			o.log.Warn().Err(derr).Str("recording_id", entry.RemoteRecordingID).Msg("remote cleanup failed, dismissing locally anyway")
		}
	}
	if err := o.store.Delete(ctx, localID); err != nil {
		return err
	}
	if o.crumbs != nil {
		_ = o.crumbs.Clear()
	}
	o.log.Info().Str("local_id", localID).Msg("orphan dismissed")
	return nil
}

// Status returns the live state for the UI shell.
func (o *Orchestrator) Status() StatusSnapshot {
	o.mu.Lock()
	sessionID := o.sessionID
	o.mu.Unlock()
	queued, active, failed := o.queue.Counts()
	snap := StatusSnapshot{
		RecorderStatus: string(o.rec.Status()),
		SessionID:      sessionID,
		ElapsedSeconds: o.rec.Elapsed().Seconds(),
		ChunkCount:     o.rec.ChunkCount(),
		QueuedUploads:  queued,
		ActiveUploads:  active,
		FailedUploads:  failed,
	}
	if o.src != nil {
		snap.SourceConnected = o.src.Connected()
	}
	return snap
}

// Run forwards recorder errors to the event bus and reacts to lifecycle
// events by flushing an immediate checkpoint. Blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, lifecycle LifecycleNotifier) {
	var lifecycleCh <-chan LifecycleEvent
	if lifecycle != nil {
		lifecycleCh = lifecycle.Events()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-o.rec.Errors():
			o.mu.Lock()
			sessionID := o.sessionID
			o.mu.Unlock()
			o.publishFailure(sessionID, events.ClassCapture, err)
		case evt := <-lifecycleCh:
			o.log.Info().Str("event", string(evt)).Msg("lifecycle event, flushing checkpoint")
			o.Checkpoint(ctx)
		}
	}
}

func (o *Orchestrator) publish(subType, sessionID string, payload map[string]string) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.EventData{
		Type:      events.TypeRecording,
		SubType:   subType,
		SessionID: sessionID,
		Payload:   payload,
	})
}

func (o *Orchestrator) publishFailure(sessionID, class string, err error) {
	o.log.Error().Err(err).Str("session_id", sessionID).Str("class", class).Msg("failure surfaced to UI")
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.EventData{
		Type:      events.TypeRecording,
		SubType:   "failed",
		SessionID: sessionID,
		Payload: map[string]string{
			"class": class,
			"label": events.ClassLabel(class),
			"error": err.Error(),
		},
	})
}
