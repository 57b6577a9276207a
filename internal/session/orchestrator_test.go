package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/backend"
	"github.com/velar-health/capture-agent/internal/capture"
	"github.com/velar-health/capture-agent/internal/events"
	"github.com/velar-health/capture-agent/internal/recstore"
	"github.com/velar-health/capture-agent/internal/uploader"
)

type fakeSource struct {
	mu sync.Mutex
	ch chan capture.Chunk
	es chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{es: make(chan error, 1)}
}

func (f *fakeSource) Start(ctx context.Context) (<-chan capture.Chunk, error) {
	f.mu.Lock()
	f.ch = make(chan capture.Chunk, 64)
	ch := f.ch
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeSource) push(data []byte) {
	f.mu.Lock()
	f.ch <- capture.Chunk{Data: data}
	f.mu.Unlock()
}

func (f *fakeSource) Errors() <-chan error { return f.es }
func (f *fakeSource) MimeType() string     { return "audio/ogg" }
func (f *fakeSource) Connected() bool      { return true }
func (f *fakeSource) Close()               {}

type okBackend struct{}

func (okBackend) CreateRecording(ctx context.Context, sessionID, userID, fileName string) (*backend.Recording, error) {
	return &backend.Recording{ID: "rem-1"}, nil
}
func (okBackend) UploadAudioBlob(ctx context.Context, recordingID, fileName string, data []byte, contentType string) error {
	return nil
}
func (okBackend) UpdateRecordingDuration(ctx context.Context, recordingID string, durationSeconds float64) error {
	return nil
}
func (okBackend) StartTranscription(ctx context.Context, recordingID string) error { return nil }

type fakeDeleter struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeDeleter) DeleteRecording(ctx context.Context, recordingID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, recordingID)
	f.mu.Unlock()
	return nil
}

type fixture struct {
	orc    *Orchestrator
	src    *fakeSource
	store  *recstore.Store
	crumbs *BreadcrumbFile
	remote *fakeDeleter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := recstore.Open(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	src := newFakeSource()
	rec := capture.New(src, 0, zerolog.Nop())
	queue := uploader.New(uploader.Options{
		Store:   store,
		Backend: okBackend{},
		UserID:  "u1",
		Log:     zerolog.Nop(),
	})
	crumbs := NewBreadcrumbFile(dir)
	remote := &fakeDeleter{}
	orc := New(Options{
		Recorder:           rec,
		Store:              store,
		Queue:              queue,
		Remote:             remote,
		Bus:                events.NewBus(64),
		Breadcrumbs:        crumbs,
		CheckpointInterval: time.Hour,
		Log:                zerolog.Nop(),
	}, src)
	return &fixture{orc: orc, src: src, store: store, crumbs: crumbs, remote: remote}
}

func (fx *fixture) record(t *testing.T, sessionID string, chunks ...[]byte) {
	t.Helper()
	if err := fx.orc.StartRecording(sessionID); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	for _, c := range chunks {
		fx.src.push(c)
	}
	// Give the consume goroutine time to drain the channel.
	deadline := time.After(2 * time.Second)
	for fx.orc.Status().ChunkCount < len(chunks) {
		select {
		case <-deadline:
			t.Fatal("chunks were not consumed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestStopPersistsAndClearsCheckpoint(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.record(t, "s1", []byte("aa"), []byte("bb"))

	fx.orc.Checkpoint(ctx)
	if crumb, _ := fx.crumbs.Read(); crumb == nil || crumb.SessionID != "s1" {
		t.Fatalf("breadcrumb after checkpoint = %+v", crumb)
	}

	localID, err := fx.orc.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}

	entry, err := fx.store.Get(ctx, localID)
	if err != nil || entry == nil {
		t.Fatalf("final entry missing: %v, %v", entry, err)
	}
	if string(entry.Blob) != "aabb" {
		t.Errorf("blob = %q, want aabb", entry.Blob)
	}
	if entry.Checkpoint {
		t.Error("final entry flagged as checkpoint")
	}

	entries, _ := fx.store.ListUnuploaded(ctx)
	for _, e := range entries {
		if e.Checkpoint {
			t.Error("checkpoint survived stop")
		}
	}
	if crumb, _ := fx.crumbs.Read(); crumb != nil {
		t.Error("breadcrumb survived stop")
	}
}

func TestCancelDiscardsEverything(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.record(t, "s1", []byte("aa"))
	fx.orc.Checkpoint(ctx)

	if err := fx.orc.CancelRecording(ctx); err != nil {
		t.Fatalf("CancelRecording: %v", err)
	}

	entries, err := fx.store.ListUnuploaded(ctx)
	if err != nil {
		t.Fatalf("ListUnuploaded: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("cancel left %d unuploaded entries", len(entries))
	}
	if crumb, _ := fx.crumbs.Read(); crumb != nil {
		t.Error("breadcrumb survived cancel")
	}
	if fx.orc.Status().RecorderStatus != string(capture.StatusIdle) {
		t.Errorf("recorder status = %s, want idle", fx.orc.Status().RecorderStatus)
	}
}

func TestCheckpointReplacesPrevious(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.record(t, "s1", []byte("aa"))

	fx.orc.Checkpoint(ctx)
	fx.src.push([]byte("bb"))
	deadline := time.After(2 * time.Second)
	for fx.orc.Status().ChunkCount < 2 {
		select {
		case <-deadline:
			t.Fatal("second chunk not consumed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	fx.orc.Checkpoint(ctx)

	entries, _ := fx.store.ListUnuploaded(ctx)
	var checkpoints []recstore.Entry
	for _, e := range entries {
		if e.Checkpoint {
			checkpoints = append(checkpoints, e)
		}
	}
	if len(checkpoints) != 1 {
		t.Fatalf("found %d checkpoints, want exactly 1", len(checkpoints))
	}
	if string(checkpoints[0].Blob) != "aabb" {
		t.Errorf("checkpoint blob = %q, want aabb", checkpoints[0].Blob)
	}

	if err := fx.orc.CancelRecording(ctx); err != nil {
		t.Fatalf("CancelRecording: %v", err)
	}
}

func TestOrphanRecovery(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	ckptID, err := fx.store.Save(ctx, recstore.SaveParams{
		Blob:            []byte("crashed"),
		MimeType:        "audio/ogg",
		FileName:        "checkpoint-s9.partial",
		DurationSeconds: 42,
		SessionID:       "s9",
		Checkpoint:      true,
	})
	if err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	t.Run("listed_as_orphan", func(t *testing.T) {
		orphans, err := fx.orc.Orphans(ctx)
		if err != nil {
			t.Fatalf("Orphans: %v", err)
		}
		if len(orphans) != 1 || orphans[0].LocalID != ckptID {
			t.Fatalf("orphans = %+v", orphans)
		}
		if orphans[0].SessionID != "s9" {
			t.Errorf("SessionID = %q", orphans[0].SessionID)
		}
	})

	t.Run("recover_promotes_to_upload", func(t *testing.T) {
		newID, err := fx.orc.RecoverOrphan(ctx, ckptID)
		if err != nil {
			t.Fatalf("RecoverOrphan: %v", err)
		}
		promoted, _ := fx.store.Get(ctx, newID)
		if promoted == nil || promoted.Checkpoint {
			t.Fatalf("promoted entry = %+v", promoted)
		}
		if string(promoted.Blob) != "crashed" {
			t.Errorf("promoted blob = %q", promoted.Blob)
		}
		if old, _ := fx.store.Get(ctx, ckptID); old != nil {
			t.Error("checkpoint entry survived recovery")
		}
	})
}

func TestDismissOrphanCleansRemote(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	id, err := fx.store.Save(ctx, recstore.SaveParams{
		Blob:            []byte("crashed"),
		MimeType:        "audio/ogg",
		FileName:        "a.partial",
		DurationSeconds: 5,
		SessionID:       "s9",
		Checkpoint:      true,
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := fx.store.SetRemoteRecordingID(ctx, id, "rem-9"); err != nil {
		t.Fatalf("set remote id: %v", err)
	}

	if err := fx.orc.DismissOrphan(ctx, id); err != nil {
		t.Fatalf("DismissOrphan: %v", err)
	}
	if e, _ := fx.store.Get(ctx, id); e != nil {
		t.Error("entry survived dismissal")
	}
	fx.remote.mu.Lock()
	deleted := append([]string(nil), fx.remote.deleted...)
	fx.remote.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != "rem-9" {
		t.Errorf("remote deletions = %v, want [rem-9]", deleted)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	fx := newFixture(t)
	fx.record(t, "s1", []byte("aa"))
	defer fx.orc.CancelRecording(context.Background())

	if err := fx.orc.StartRecording("s2"); err == nil {
		t.Error("second StartRecording succeeded while recording")
	}
}

func TestBreadcrumbRoundTrip(t *testing.T) {
	f := NewBreadcrumbFile(t.TempDir())

	if crumb, err := f.Read(); err != nil || crumb != nil {
		t.Fatalf("empty read = %+v, %v", crumb, err)
	}

	in := Breadcrumb{
		SessionID:       "s1",
		ChunksCount:     12,
		MimeType:        "audio/ogg",
		DurationSeconds: 33.5,
		Timestamp:       time.Now().UTC().Truncate(time.Second),
	}
	if err := f.Write(in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := f.Read()
	if err != nil || out == nil {
		t.Fatalf("Read: %+v, %v", out, err)
	}
	if *out != in {
		t.Errorf("round trip mismatch: %+v != %+v", out, in)
	}

	if err := f.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := f.Clear(); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestConcurrentCheckpointsKeepSingleRow(t *testing.T) {
	fx := newFixture(t)
	fx.record(t, "s1", []byte("aa"))

	// Ticker, lifecycle flush, API flush and shutdown flush can all fire
	// at once; only one checkpoint row may survive.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fx.orc.Checkpoint(context.Background())
		}()
	}
	wg.Wait()

	countCheckpoints := func() int {
		t.Helper()
		entries, err := fx.store.ListUnuploaded(context.Background())
		if err != nil {
			t.Fatalf("ListUnuploaded: %v", err)
		}
		n := 0
		for _, e := range entries {
			if e.Checkpoint {
				n++
			}
		}
		return n
	}
	if n := countCheckpoints(); n != 1 {
		t.Fatalf("checkpoints after concurrent flushes = %d, want exactly 1", n)
	}

	if _, err := fx.orc.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if n := countCheckpoints(); n != 0 {
		t.Errorf("checkpoints after stop = %d, want 0", n)
	}
}
