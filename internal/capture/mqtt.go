package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/metrics"
)

// MQTTSource receives audio chunks published by a consulting-room
// microphone appliance, e.g. on clinic/{room}/audio.
type MQTTSource struct {
	conn      mqtt.Client
	topics    []string
	mimeType  string
	connected atomic.Bool
	log       zerolog.Logger

	mu   sync.Mutex
	out  chan Chunk
	errs chan error
}

type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Topics    string
	Username  string
	Password  string
	MimeType  string // defaults to audio/ogg
	Log       zerolog.Logger
}

// NewMQTTSource connects to the broker and subscribes to the audio topics.
func NewMQTTSource(opts MQTTOptions) (*MQTTSource, error) {
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	s := &MQTTSource{
		topics:   parseTopics(opts.Topics),
		mimeType: mimeType,
		log:      opts.Log,
		errs:     make(chan error, 4),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost).
		SetDefaultPublishHandler(s.onMessage)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	s.conn = mqtt.NewClient(clientOpts)
	token := s.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins delivering chunks until ctx is cancelled.
func (s *MQTTSource) Start(ctx context.Context) (<-chan Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out != nil {
		return nil, fmt.Errorf("mqtt source already started")
	}
	if !s.connected.Load() {
		return nil, fmt.Errorf("mqtt broker not connected")
	}
	out := make(chan Chunk, 256)
	s.out = out

	go func() {
		<-ctx.Done()
		// Close under the delivery mutex so onMessage can never send
		// into a closed channel.
		s.mu.Lock()
		if s.out == out {
			s.out = nil
		}
		close(out)
		s.mu.Unlock()
	}()

	return out, nil
}

func (s *MQTTSource) Errors() <-chan error { return s.errs }

func (s *MQTTSource) MimeType() string { return s.mimeType }

func (s *MQTTSource) Connected() bool { return s.connected.Load() }

func (s *MQTTSource) onConnect(client mqtt.Client) {
	s.connected.Store(true)
	s.log.Info().Strs("topics", s.topics).Msg("mqtt connected, subscribing")

	filters := make(map[string]byte, len(s.topics))
	for _, t := range s.topics {
		filters[t] = 1 // at-least-once: dropping session audio is not acceptable
	}
	token := client.SubscribeMultiple(filters, nil)
	token.Wait()
	if err := token.Error(); err != nil {
		s.log.Error().Err(err).Msg("mqtt subscribe failed")
	}
}

func (s *MQTTSource) onConnectionLost(_ mqtt.Client, err error) {
	s.connected.Store(false)
	s.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
	select {
	case s.errs <- fmt.Errorf("mqtt connection lost: %w", err):
	default:
	}
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	metrics.MQTTMessagesTotal.Inc()
	data := make([]byte, len(msg.Payload()))
	copy(data, msg.Payload())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		// Not recording; appliance chatter is dropped.
		return
	}
	select {
	case s.out <- Chunk{Data: data}:
	default:
		s.log.Error().Str("topic", msg.Topic()).Msg("chunk buffer full, dropping audio chunk")
		select {
		case s.errs <- fmt.Errorf("chunk buffer overflow on %s", msg.Topic()):
		default:
		}
	}
}

func (s *MQTTSource) Close() {
	s.log.Info().Msg("disconnecting mqtt source")
	s.conn.Disconnect(1000)
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			topics = append(topics, t)
		}
	}
	if len(topics) == 0 {
		return []string{"clinic/+/audio"}
	}
	return topics
}
