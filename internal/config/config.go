package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Identity supplied by the clinic sign-in flow. The agent never
	// authenticates users itself.
	UserID   string `env:"USER_ID,required"`
	ClinicID string `env:"CLINIC_ID,required"`

	// StateDir holds the local recording store and the breadcrumb file.
	StateDir string `env:"STATE_DIR" envDefault:"./state"`

	// Backend API for recording records and the transcription pipeline.
	BackendURL   string `env:"BACKEND_URL,required"`
	BackendToken string `env:"BACKEND_TOKEN"`

	// TranscriptionURL may be empty: transcription is then reported as not
	// configured and uploads succeed without starting transcription.
	TranscriptionURL string `env:"TRANSCRIPTION_URL"`

	// Chunk source: MQTT room appliance and/or spool directory.
	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"capture-agent"`
	MQTTTopics    string `env:"MQTT_TOPICS" envDefault:"clinic/+/audio"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
	SpoolDir      string `env:"SPOOL_DIR"`

	S3 S3Config

	// Recording pipeline tuning. Defaults are product-tuned; change them
	// only against the latency profile of the transcription provider.
	CheckpointInterval   time.Duration `env:"CHECKPOINT_INTERVAL" envDefault:"10m"`
	MaxRecordingDuration time.Duration `env:"MAX_RECORDING_DURATION" envDefault:"4h"`

	// RetainUploadedFor keeps the local copy of uploaded recordings around
	// for re-verification before it is reclaimed. 0 disables pruning.
	RetainUploadedFor time.Duration `env:"RETAIN_UPLOADED_FOR" envDefault:"72h"`

	UploadWorkers    int           `env:"UPLOAD_WORKERS" envDefault:"2"`
	UploadQueueSize  int           `env:"UPLOAD_QUEUE_SIZE" envDefault:"32"`
	SweepInterval    time.Duration `env:"UPLOAD_SWEEP_INTERVAL" envDefault:"1m"`
	StartRetryDelays string        `env:"TRANSCRIPTION_START_RETRY_DELAYS" envDefault:"5s,15s,45s"`

	PollInterval       time.Duration `env:"TRANSCRIPTION_POLL_INTERVAL" envDefault:"2s"`
	PollMaxAttempts    int           `env:"TRANSCRIPTION_POLL_MAX_ATTEMPTS" envDefault:"120"`
	PollRetryDelay     time.Duration `env:"TRANSCRIPTION_POLL_RETRY_DELAY" envDefault:"5s"`
	ResyncAfter        int           `env:"TRANSCRIPTION_RESYNC_AFTER" envDefault:"15"`
	ManualSyncAfter    int           `env:"TRANSCRIPTION_MANUAL_SYNC_AFTER" envDefault:"30"`
	ManualSyncInterval int           `env:"TRANSCRIPTION_MANUAL_SYNC_INTERVAL" envDefault:"10"`

	// Per-client token bucket for the authenticated API group. RPS <= 0
	// disables limiting.
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"50"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"100"`

	HTTPAddr       string        `env:"HTTP_ADDR" envDefault:"127.0.0.1:8454"`
	ReadTimeout    time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout   time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout    time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	AuthToken      string        `env:"AUTH_TOKEN"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// S3Config configures direct-to-bucket audio blob upload. When Bucket is
// empty the agent uploads blobs through the backend API instead.
type S3Config struct {
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket    string `env:"S3_BUCKET"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile    string
	HTTPAddr   string
	LogLevel   string
	BackendURL string
	StateDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.BackendURL != "" {
		cfg.BackendURL = overrides.BackendURL
	}
	if overrides.StateDir != "" {
		cfg.StateDir = overrides.StateDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PollMaxAttempts < 1 {
		return fmt.Errorf("TRANSCRIPTION_POLL_MAX_ATTEMPTS must be >= 1, got %d", c.PollMaxAttempts)
	}
	if c.ManualSyncInterval < 1 {
		return fmt.Errorf("TRANSCRIPTION_MANUAL_SYNC_INTERVAL must be >= 1, got %d", c.ManualSyncInterval)
	}
	if c.UploadWorkers < 1 {
		return fmt.Errorf("UPLOAD_WORKERS must be >= 1, got %d", c.UploadWorkers)
	}
	if _, err := c.ParsedStartRetryDelays(); err != nil {
		return err
	}
	return nil
}

// ParsedStartRetryDelays parses the comma-separated retry schedule for
// starting transcription. The number of entries is the attempt budget.
func (c *Config) ParsedStartRetryDelays() ([]time.Duration, error) {
	var delays []time.Duration
	for _, part := range strings.Split(c.StartRetryDelays, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid TRANSCRIPTION_START_RETRY_DELAYS entry %q: %w", part, err)
		}
		delays = append(delays, d)
	}
	if len(delays) == 0 {
		return nil, fmt.Errorf("TRANSCRIPTION_START_RETRY_DELAYS must contain at least one delay")
	}
	return delays, nil
}

// EnsureStateDir creates the state directory if missing.
func (c *Config) EnsureStateDir() error {
	return os.MkdirAll(c.StateDir, 0o755)
}
