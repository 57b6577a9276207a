package capture

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type stubMessage struct{ payload []byte }

func (m stubMessage) Duplicate() bool   { return false }
func (m stubMessage) Qos() byte         { return 1 }
func (m stubMessage) Retained() bool    { return false }
func (m stubMessage) Topic() string     { return "clinic/room1/audio" }
func (m stubMessage) MessageID() uint16 { return 1 }
func (m stubMessage) Payload() []byte   { return m.payload }
func (m stubMessage) Ack()              {}

func newTestMQTTSource() *MQTTSource {
	s := &MQTTSource{
		topics:   []string{"clinic/+/audio"},
		mimeType: "audio/ogg",
		log:      zerolog.Nop(),
		errs:     make(chan error, 4),
	}
	s.connected.Store(true)
	return s
}

func TestMQTTDeliveryLifecycle(t *testing.T) {
	s := newTestMQTTSource()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.onMessage(nil, stubMessage{payload: []byte("room audio")})
	select {
	case c := <-ch:
		if !bytes.Equal(c.Data, []byte("room audio")) {
			t.Errorf("chunk = %q", c.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("published message never delivered")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-ch:
		case <-deadline:
			t.Fatal("chunk channel never closed")
		}
	}

	// A broker message racing the stop must be dropped, never delivered
	// into the closed channel.
	s.onMessage(nil, stubMessage{payload: []byte("straggler")})
}

func TestMQTTMessageIgnoredWhenIdle(t *testing.T) {
	s := newTestMQTTSource()
	s.onMessage(nil, stubMessage{payload: []byte("chatter")})
	select {
	case err := <-s.Errors():
		t.Fatalf("idle delivery raised error: %v", err)
	default:
	}
}

func TestParseTopics(t *testing.T) {
	got := parseTopics(" clinic/a/audio, clinic/b/audio ,")
	if len(got) != 2 || got[0] != "clinic/a/audio" || got[1] != "clinic/b/audio" {
		t.Errorf("parseTopics = %v", got)
	}
	if def := parseTopics(""); len(def) != 1 || def[0] != "clinic/+/audio" {
		t.Errorf("default topics = %v", def)
	}
}
