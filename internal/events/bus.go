// Package events distributes recording lifecycle events to SSE subscribers
// (the UI shell). A ring buffer allows replay after a dropped connection.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/velar-health/capture-agent/internal/metrics"
)

// Event types. SubType carries the specific lifecycle step, e.g.
// "recording:started" or "upload:failed".
const (
	TypeRecording     = "recording"
	TypeUpload        = "upload"
	TypeTranscription = "transcription"
)

// Failure classes shown to the clinician. The three classes are surfaced
// separately so it is always clear whether the audio itself is safe.
const (
	ClassCapture       = "capture"
	ClassUpload        = "upload"
	ClassTranscription = "transcription"
)

// ClassLabel returns the user-facing label for a failure class.
func ClassLabel(class string) string {
	switch class {
	case ClassCapture:
		return "Ошибка записи"
	case ClassUpload:
		return "Ошибка загрузки"
	case ClassTranscription:
		return "Ошибка транскрипции"
	default:
		return "Ошибка"
	}
}

// Event is one serialized lifecycle event.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	SubType     string          `json:"sub_type,omitempty"`
	Timestamp   string          `json:"timestamp"`
	SessionID   string          `json:"session_id,omitempty"`
	RecordingID string          `json:"recording_id,omitempty"`
	Data        json.RawMessage `json:"data"`
}

// Filter selects which events a subscriber receives. Empty fields match
// everything. Types entries may be compound: "upload:failed".
type Filter struct {
	Types      []string
	Sessions   []string
	Recordings []string
}

// EventData holds all fields needed to publish an event.
type EventData struct {
	Type        string
	SubType     string
	SessionID   string
	RecordingID string
	Payload     any
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Bus provides pub-sub event distribution with ring-buffer replay.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	seq         atomic.Uint64

	ring     []Event
	ringSize int
	ringHead int
	ringMu   sync.RWMutex
}

// NewBus creates an event bus with the given ring buffer size.
func NewBus(ringSize int) *Bus {
	return &Bus{
		subscribers: make(map[uint64]subscriber),
		ring:        make([]Event, ringSize),
		ringSize:    ringSize,
	}
}

// Subscribe registers a new subscriber and returns a channel and cancel function.
func (b *Bus) Subscribe(filter Filter) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subscribers[id] = subscriber{ch: ch, filter: filter}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
	return ch, cancel
}

// ReplaySince returns buffered events newer than the given event ID.
func (b *Bus) ReplaySince(lastEventID string, filter Filter) []Event {
	b.ringMu.RLock()
	defer b.ringMu.RUnlock()

	var events []Event
	found := lastEventID == ""

	for i := 0; i < b.ringSize; i++ {
		idx := (b.ringHead + i) % b.ringSize
		e := b.ring[idx]
		if e.ID == "" {
			continue
		}
		if !found {
			if e.ID == lastEventID {
				found = true
			}
			continue
		}
		if matchesFilter(e, filter) {
			events = append(events, e)
		}
	}
	return events
}

// Publish sends an event to all matching subscribers and adds it to the ring buffer.
func (b *Bus) Publish(e EventData) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return
	}

	seq := b.seq.Add(1)
	event := Event{
		ID:          fmt.Sprintf("%d-%d", time.Now().UnixMilli(), seq),
		Type:        e.Type,
		SubType:     e.SubType,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		SessionID:   e.SessionID,
		RecordingID: e.RecordingID,
		Data:        data,
	}
	metrics.EventsPublishedTotal.Inc()

	b.ringMu.Lock()
	b.ring[b.ringHead] = event
	b.ringHead = (b.ringHead + 1) % b.ringSize
	b.ringMu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subscribers {
		if matchesFilter(event, sub.filter) {
			select {
			case sub.ch <- event:
			default:
				// Drop if subscriber is slow
			}
		}
	}
	b.mu.RUnlock()
}

func matchesFilter(e Event, f Filter) bool {
	if len(f.Types) > 0 {
		match := false
		for _, t := range f.Types {
			t = strings.TrimSpace(t)
			if base, sub, ok := strings.Cut(t, ":"); ok {
				if base == e.Type && sub == e.SubType {
					match = true
					break
				}
			} else if t == e.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(f.Sessions) > 0 && e.SessionID != "" {
		if !containsString(f.Sessions, e.SessionID) {
			return false
		}
	}
	if len(f.Recordings) > 0 && e.RecordingID != "" {
		if !containsString(f.Recordings, e.RecordingID) {
			return false
		}
	}
	return true
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
