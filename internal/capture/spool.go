package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SpoolSource ingests audio chunks dropped as files into a spool directory
// by an external recorder process. An alternative to the MQTT appliance for
// rooms without one.
type SpoolSource struct {
	dir      string
	mimeType string
	log      zerolog.Logger

	watcher *fsnotify.Watcher
	started atomic.Bool

	mu   sync.Mutex
	out  chan Chunk
	errs chan error

	// Coalesce rapid Create+Write events on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
}

type SpoolOptions struct {
	Dir      string
	MimeType string // defaults to audio/ogg
	Log      zerolog.Logger
}

func NewSpoolSource(opts SpoolOptions) (*SpoolSource, error) {
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &SpoolSource{
		dir:            opts.Dir,
		mimeType:       mimeType,
		log:            opts.Log,
		errs:           make(chan error, 4),
		debounceTimers: make(map[string]*time.Timer),
	}, nil
}

func (s *SpoolSource) Start(ctx context.Context) (<-chan Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		return nil, fmt.Errorf("spool source already started")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch spool dir %s: %w", s.dir, err)
	}
	s.watcher = w
	s.started.Store(true)

	out := make(chan Chunk, 256)
	s.out = out

	go s.run(ctx, w, out)
	return out, nil
}

func (s *SpoolSource) run(ctx context.Context, w *fsnotify.Watcher, out chan Chunk) {
	defer func() {
		w.Close()
		s.debounceMu.Lock()
		for path, t := range s.debounceTimers {
			t.Stop()
			delete(s.debounceTimers, path)
		}
		s.debounceMu.Unlock()
		// Close under the same mutex that guards delivery: a debounce
		// timer that already fired must never send into a closed channel.
		s.mu.Lock()
		s.out = nil
		close(out)
		s.mu.Unlock()
		s.started.Store(false)
	}()

	// Drain files left over from before the watcher was attached, in
	// filename order (external recorders name chunks monotonically).
	s.drainExisting()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			s.debounce(ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("spool watcher error")
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

func (s *SpoolSource) drainExisting() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		s.ingest(filepath.Join(s.dir, name))
	}
}

func (s *SpoolSource) debounce(path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return
	}
	s.debounceMu.Lock()
	defer s.debounceMu.Unlock()
	if t, ok := s.debounceTimers[path]; ok {
		t.Reset(200 * time.Millisecond)
		return
	}
	s.debounceTimers[path] = time.AfterFunc(200*time.Millisecond, func() {
		s.debounceMu.Lock()
		delete(s.debounceTimers, path)
		s.debounceMu.Unlock()
		s.ingest(path)
	})
}

func (s *SpoolSource) ingest(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to read spool chunk")
		return
	}
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		// Watcher shut down; the file stays for the next start's drain.
		return
	}
	select {
	case s.out <- Chunk{Data: data}:
		// Chunk is owned by the recorder buffer now.
		if err := os.Remove(path); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("failed to remove ingested spool chunk")
		}
	default:
		s.log.Error().Str("path", path).Msg("chunk buffer full, leaving file in spool")
	}
}

func (s *SpoolSource) Errors() <-chan error { return s.errs }

func (s *SpoolSource) MimeType() string { return s.mimeType }

// Connected reports whether the watcher is attached.
func (s *SpoolSource) Connected() bool { return s.started.Load() }

func (s *SpoolSource) Close() {}
