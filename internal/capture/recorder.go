package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/metrics"
)

// Status is the recorder transport state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusPaused    Status = "paused"
	StatusStopped   Status = "stopped"
)

var (
	// ErrDeviceUnavailable means the chunk source could not be acquired.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrDurationCapReached is reported when the recording exceeds the
	// configured duration guard. Captured audio up to the cap is kept and
	// the final result is flagged partial.
	ErrDurationCapReached = errors.New("recording duration cap reached")
)

// TransitionError reports an operation invoked from the wrong state.
// Invalid transitions are surfaced to the caller, never swallowed.
type TransitionError struct {
	Op   string
	From Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s from state %q", e.Op, e.From)
}

// Chunk is one opaque audio fragment from a Source.
type Chunk struct {
	Data []byte
}

// Source delivers timed audio chunks from a capture device.
type Source interface {
	// Start begins chunk delivery. The returned channel is closed once the
	// source's context is cancelled and all buffered chunks are delivered.
	Start(ctx context.Context) (<-chan Chunk, error)

	// Errors reports asynchronous device problems. May return nil.
	Errors() <-chan error

	// MimeType is the native MIME type of delivered chunks.
	MimeType() string

	// Connected reports whether the underlying device is reachable.
	Connected() bool

	Close()
}

// Result is the product of a stopped recording.
type Result struct {
	Data     []byte
	MimeType string
	Duration time.Duration

	// Partial is set when the duration guard truncated the capture or the
	// final drain was interrupted. The data is still valid up to that point.
	Partial bool
}

// Recorder owns the chunk buffer between Start and Stop/Cancel.
// State machine: idle → recording ⇄ paused → stopped; recording|paused → idle (cancel).
type Recorder struct {
	src         Source
	maxDuration time.Duration
	log         zerolog.Logger
	now         func() time.Time

	mu        sync.Mutex
	status    Status
	chunks    [][]byte
	mimeType  string
	recorded  time.Duration // completed recording intervals, pauses excluded
	resumedAt time.Time     // start of the current recording interval
	partial   bool
	draining  bool // Stop issued, source flush still in progress
	cancelSrc context.CancelFunc
	drained   chan struct{}

	errs chan error
}

// New creates an idle recorder over the given source. maxDuration <= 0
// disables the duration guard.
func New(src Source, maxDuration time.Duration, log zerolog.Logger) *Recorder {
	return &Recorder{
		src:         src,
		maxDuration: maxDuration,
		log:         log.With().Str("component", "recorder").Logger(),
		now:         time.Now,
		status:      StatusIdle,
		errs:        make(chan error, 8),
	}
}

// Errors is the channel on which device and guard errors are reported.
func (r *Recorder) Errors() <-chan error { return r.errs }

// Start acquires the source and begins buffering chunks.
func (r *Recorder) Start() error {
	r.mu.Lock()
	if r.status != StatusIdle && r.status != StatusStopped {
		defer r.mu.Unlock()
		return &TransitionError{Op: "start", From: r.status}
	}

	srcCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.src.Start(srcCtx)
	if err != nil {
		cancel()
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	// Errors left over from a previous recording must not surface as
	// failures of this one.
drainErrs:
	for {
		select {
		case <-r.errs:
		default:
			break drainErrs
		}
	}

	r.chunks = nil
	r.mimeType = r.src.MimeType()
	r.recorded = 0
	r.partial = false
	r.draining = false
	r.status = StatusRecording
	r.resumedAt = r.now()
	r.cancelSrc = cancel
	r.drained = make(chan struct{})
	drained := r.drained
	r.mu.Unlock()

	go r.consume(ch, drained)
	go r.forwardSourceErrors(drained)

	r.log.Info().Str("mime_type", r.mimeType).Msg("recording started")
	return nil
}

func (r *Recorder) consume(ch <-chan Chunk, drained chan struct{}) {
	for c := range ch {
		r.mu.Lock()
		// Chunks still in flight when Stop is issued belong to the
		// recording: the source flushes its buffer after cancel and the
		// drain wait must keep every one of them.
		if r.status == StatusRecording || r.draining {
			if r.maxDuration > 0 && r.liveDurationLocked() >= r.maxDuration {
				if !r.partial {
					r.partial = true
					r.reportError(ErrDurationCapReached)
					r.log.Warn().Dur("max_duration", r.maxDuration).Msg("duration cap reached, dropping further chunks")
				}
			} else {
				r.chunks = append(r.chunks, c.Data)
				metrics.ChunksCapturedTotal.Inc()
			}
		}
		r.mu.Unlock()
	}
	close(drained)
}

func (r *Recorder) forwardSourceErrors(drained chan struct{}) {
	errCh := r.src.Errors()
	if errCh == nil {
		return
	}
	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return
			}
			r.reportError(fmt.Errorf("%w: %v", ErrDeviceUnavailable, err))
		case <-drained:
			return
		}
	}
}

func (r *Recorder) reportError(err error) {
	select {
	case r.errs <- err:
	default:
		r.log.Warn().Err(err).Msg("error channel full, dropping capture error")
	}
}

// Pause suspends chunk buffering. Only valid while recording.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRecording {
		return &TransitionError{Op: "pause", From: r.status}
	}
	r.recorded += r.now().Sub(r.resumedAt)
	r.status = StatusPaused
	return nil
}

// Resume continues buffering after a pause.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusPaused {
		return &TransitionError{Op: "resume", From: r.status}
	}
	r.resumedAt = r.now()
	r.status = StatusRecording
	return nil
}

// Stop flushes buffered chunks into a single blob. The source channel is
// drained before the result is produced so the final chunk is never lost.
func (r *Recorder) Stop(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	if r.status != StatusRecording && r.status != StatusPaused {
		defer r.mu.Unlock()
		return nil, &TransitionError{Op: "stop", From: r.status}
	}
	if r.status == StatusRecording {
		r.recorded += r.now().Sub(r.resumedAt)
	}
	r.status = StatusStopped
	r.draining = true
	cancel := r.cancelSrc
	drained := r.drained
	r.mu.Unlock()

	cancel()
	interrupted := false
	select {
	case <-drained:
	case <-ctx.Done():
		// Deliver what was captured rather than losing the recording.
		interrupted = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = false
	res := &Result{
		Data:     bytes.Join(r.chunks, nil),
		MimeType: r.mimeType,
		Duration: r.recorded,
		Partial:  r.partial || interrupted,
	}
	r.chunks = nil
	r.log.Info().
		Int("bytes", len(res.Data)).
		Dur("duration", res.Duration).
		Bool("partial", res.Partial).
		Msg("recording stopped")
	return res, nil
}

// Cancel is a hard abort: it halts capture and discards all buffered chunks.
func (r *Recorder) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRecording && r.status != StatusPaused {
		return &TransitionError{Op: "cancel", From: r.status}
	}
	r.cancelSrc()
	r.status = StatusIdle
	r.chunks = nil
	r.recorded = 0
	r.partial = false
	r.log.Info().Msg("recording cancelled, buffered chunks discarded")
	return nil
}

// Snapshot returns a copy of the buffered audio without mutating the buffer.
// Used for mid-recording checkpoints.
func (r *Recorder) Snapshot() (data []byte, mimeType string, dur time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Join(r.chunks, nil), r.mimeType, r.liveDurationLocked()
}

// Status returns the current transport state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Elapsed returns the recorded duration so far, pauses excluded.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveDurationLocked()
}

// ChunkCount returns the number of buffered chunks.
func (r *Recorder) ChunkCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

func (r *Recorder) liveDurationLocked() time.Duration {
	d := r.recorded
	if r.status == StatusRecording {
		d += r.now().Sub(r.resumedAt)
	}
	return d
}
