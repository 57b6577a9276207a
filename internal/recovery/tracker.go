// Package recovery polls the backend for transcription completion after a
// job was started, surviving slow providers and transient outages. Tracking
// is scoped to the signed-in user and torn down on sign-out.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/backend"
	"github.com/velar-health/capture-agent/internal/events"
	"github.com/velar-health/capture-agent/internal/metrics"
)

// Backend is the subset of the backend client the tracker needs.
type Backend interface {
	GetTranscriptionStatus(ctx context.Context, recordingID string, forceSync bool) (*backend.TranscriptionStatus, error)
	SyncTranscriptionStatus(ctx context.Context, recordingID string) error
}

// Options configures the tracker. Zero values fall back to production
// defaults tuned for a 2s poll over a ~4 minute window.
type Options struct {
	Backend Backend
	Bus     *events.Bus

	PollInterval   time.Duration // between status polls
	PollRetryDelay time.Duration // after a failed status fetch
	MaxAttempts    int           // successful fetches before giving up

	// After ResyncAfter attempts every poll asks the backend to force a
	// refresh from the provider. After ManualSyncAfter attempts every
	// ManualSyncInterval-th poll additionally triggers an explicit sync.
	ResyncAfter        int
	ManualSyncAfter    int
	ManualSyncInterval int

	Log zerolog.Logger
}

type tracked struct {
	recordingID string
	sessionID   string
	attempts    int
	cancel      context.CancelFunc
}

// Tracker owns one polling goroutine per in-flight transcription.
type Tracker struct {
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	userID  string
	active  map[string]*tracked
	wg      sync.WaitGroup
	started bool
}

// New creates a tracker. Call Init before adding transcriptions.
func New(opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PollRetryDelay <= 0 {
		opts.PollRetryDelay = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 120
	}
	if opts.ResyncAfter <= 0 {
		opts.ResyncAfter = 15
	}
	if opts.ManualSyncAfter <= 0 {
		opts.ManualSyncAfter = 30
	}
	if opts.ManualSyncInterval <= 0 {
		opts.ManualSyncInterval = 10
	}
	return &Tracker{
		opts:   opts,
		log:    opts.Log,
		active: make(map[string]*tracked),
	}
}

// Init binds the tracker to a signed-in user. Idempotent for the same user;
// a different user tears the previous state down first.
func (t *Tracker) Init(userID string) {
	t.mu.Lock()
	if t.started && t.userID == userID {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.Teardown()

	t.mu.Lock()
	t.userID = userID
	t.started = true
	t.mu.Unlock()
	t.log.Info().Str("user_id", userID).Msg("transcription recovery initialized")
}

// Teardown cancels all polling loops and forgets tracked recordings.
func (t *Tracker) Teardown() {
	t.mu.Lock()
	for _, tr := range t.active {
		tr.cancel()
	}
	t.active = make(map[string]*tracked)
	t.started = false
	t.userID = ""
	t.mu.Unlock()
	t.wg.Wait()
}

// AddTranscription starts polling for the given recording. Adding an
// already-tracked recording is a no-op.
func (t *Tracker) AddTranscription(recordingID, sessionID string) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		t.log.Warn().Str("recording_id", recordingID).Msg("tracker not initialized, ignoring transcription")
		return
	}
	if _, ok := t.active[recordingID]; ok {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	tr := &tracked{recordingID: recordingID, sessionID: sessionID, cancel: cancel}
	t.active[recordingID] = tr
	t.wg.Add(1)
	t.mu.Unlock()

	go t.loop(ctx, tr)
}

// SyncNow triggers an immediate explicit sync for a recording, independent of
// the polling loop's escalation thresholds.
func (t *Tracker) SyncNow(ctx context.Context, recordingID string) error {
	metrics.TranscriptionSyncsTotal.Inc()
	return t.opts.Backend.SyncTranscriptionStatus(ctx, recordingID)
}

// IsTracked reports whether the recording is being polled.
func (t *Tracker) IsTracked(recordingID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[recordingID]
	return ok
}

// Tracking returns the ids of all recordings currently polled.
func (t *Tracker) Tracking() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) loop(ctx context.Context, tr *tracked) {
	defer t.wg.Done()
	defer t.untrack(tr.recordingID)

	for {
		done, delay := t.pollOnce(ctx, tr)
		if done {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// pollOnce performs a single poll step and returns whether polling is done
// and, if not, how long to wait before the next step. Failed status fetches
// do not count as attempts so outages cannot exhaust the budget.
func (t *Tracker) pollOnce(ctx context.Context, tr *tracked) (done bool, delay time.Duration) {
	n := tr.attempts + 1

	if n > t.opts.ManualSyncAfter && n%t.opts.ManualSyncInterval == 0 {
		metrics.TranscriptionSyncsTotal.Inc()
		if err := t.opts.Backend.SyncTranscriptionStatus(ctx, tr.recordingID); err != nil {
			t.log.Warn().Err(err).Str("recording_id", tr.recordingID).Msg("manual transcription sync failed")
		}
	}

	forceSync := n > t.opts.ResyncAfter
	metrics.TranscriptionPollsTotal.Inc()
	st, err := t.opts.Backend.GetTranscriptionStatus(ctx, tr.recordingID, forceSync)
	if err != nil {
		if ctx.Err() != nil {
			return true, 0
		}
		t.log.Warn().Err(err).Str("recording_id", tr.recordingID).Msg("transcription status fetch failed")
		return false, t.opts.PollRetryDelay
	}

	tr.attempts = n

	if st.Terminal() {
		t.finish(tr, st)
		return true, 0
	}
	if tr.attempts >= t.opts.MaxAttempts {
		t.log.Warn().
			Str("recording_id", tr.recordingID).
			Int("attempts", tr.attempts).
			Msg("transcription still pending after poll budget, giving up")
		t.publish("stalled", tr, map[string]string{"status": st.Status})
		return true, 0
	}
	return false, t.opts.PollInterval
}

func (t *Tracker) finish(tr *tracked, st *backend.TranscriptionStatus) {
	if st.Status == backend.TranscriptionCompleted {
		t.log.Info().Str("recording_id", tr.recordingID).Int("attempts", tr.attempts).Msg("transcription completed")
		t.publish("completed", tr, nil)
		return
	}
	t.log.Warn().Str("recording_id", tr.recordingID).Str("error", st.Error).Msg("transcription failed")
	t.publish("failed", tr, map[string]string{
		"class": events.ClassTranscription,
		"label": events.ClassLabel(events.ClassTranscription),
		"error": st.Error,
	})
}

func (t *Tracker) publish(subType string, tr *tracked, payload map[string]string) {
	if t.opts.Bus == nil {
		return
	}
	t.opts.Bus.Publish(events.EventData{
		Type:        events.TypeTranscription,
		SubType:     subType,
		SessionID:   tr.sessionID,
		RecordingID: tr.recordingID,
		Payload:     payload,
	})
}

func (t *Tracker) untrack(recordingID string) {
	t.mu.Lock()
	delete(t.active, recordingID)
	t.mu.Unlock()
}
