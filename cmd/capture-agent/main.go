package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/api"
	"github.com/velar-health/capture-agent/internal/backend"
	"github.com/velar-health/capture-agent/internal/capture"
	"github.com/velar-health/capture-agent/internal/config"
	"github.com/velar-health/capture-agent/internal/events"
	"github.com/velar-health/capture-agent/internal/recovery"
	"github.com/velar-health/capture-agent/internal/recstore"
	"github.com/velar-health/capture-agent/internal/session"
	"github.com/velar-health/capture-agent/internal/uploader"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace..error)")
	flag.StringVar(&overrides.BackendURL, "backend-url", "", "backend API base URL")
	flag.StringVar(&overrides.StateDir, "state-dir", "", "local state directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("clinic_id", cfg.ClinicID).Msg("capture-agent starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.EnsureStateDir(); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StateDir).Msg("failed to create state directory")
	}

	// Local store is the durability anchor, opened before anything network-facing.
	store, err := recstore.Open(cfg.StateDir, log.With().Str("component", "store").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open recording store")
	}
	defer store.Close()

	pruner := recstore.NewPruner(store, cfg.RetainUploadedFor, log)
	pruner.Start()
	defer pruner.Stop()

	// Backend client and blob store
	blobs, err := backend.NewBlobStore(cfg.S3, cfg.BackendURL, cfg.BackendToken, log.With().Str("component", "blobs").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob store")
	}
	client := backend.NewClient(backend.Options{
		BaseURL:          cfg.BackendURL,
		TranscriptionURL: cfg.TranscriptionURL,
		Token:            cfg.BackendToken,
		Blobs:            blobs,
		Log:              log.With().Str("component", "backend").Logger(),
	})
	if !client.TranscriptionConfigured() {
		log.Warn().Msg("transcription URL not set, uploads will complete without transcription")
	}

	// Capture source: MQTT appliance preferred, spool directory fallback.
	var src capture.Source
	switch {
	case cfg.MQTTBrokerURL != "":
		src, err = capture.NewMQTTSource(capture.MQTTOptions{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Topics:    cfg.MQTTTopics,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log.With().Str("component", "mqtt").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
	case cfg.SpoolDir != "":
		src, err = capture.NewSpoolSource(capture.SpoolOptions{
			Dir: cfg.SpoolDir,
			Log: log.With().Str("component", "spool").Logger(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to watch spool directory")
		}
	default:
		log.Warn().Msg("no capture source configured, running in upload-only mode")
	}
	if src != nil {
		defer src.Close()
	}

	// Event bus for the UI shell
	bus := events.NewBus(256)

	// Upload queue
	startDelays, err := cfg.ParsedStartRetryDelays()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid transcription retry schedule")
	}
	queue := uploader.New(uploader.Options{
		Store:            store,
		Backend:          client,
		Bus:              bus,
		UserID:           cfg.UserID,
		Workers:          cfg.UploadWorkers,
		QueueSize:        cfg.UploadQueueSize,
		StartRetryDelays: startDelays,
		SweepInterval:    cfg.SweepInterval,
		Log:              log.With().Str("component", "uploader").Logger(),
	})

	// Transcription recovery
	tracker := recovery.New(recovery.Options{
		Backend:            client,
		Bus:                bus,
		PollInterval:       cfg.PollInterval,
		PollRetryDelay:     cfg.PollRetryDelay,
		MaxAttempts:        cfg.PollMaxAttempts,
		ResyncAfter:        cfg.ResyncAfter,
		ManualSyncAfter:    cfg.ManualSyncAfter,
		ManualSyncInterval: cfg.ManualSyncInterval,
		Log:                log.With().Str("component", "recovery").Logger(),
	})
	tracker.Init(cfg.UserID)
	defer tracker.Teardown()
	queue.SetOnTranscriptionStarted(tracker.AddTranscription)

	queue.Start()
	defer queue.Stop()

	// Session orchestrator
	var rec *capture.Recorder
	if src != nil {
		rec = capture.New(src, cfg.MaxRecordingDuration, log)
	} else {
		rec = capture.New(nilSource{}, cfg.MaxRecordingDuration, log)
	}
	orc := session.New(session.Options{
		Recorder:           rec,
		Store:              store,
		Queue:              queue,
		Remote:             client,
		Bus:                bus,
		Breadcrumbs:        session.NewBreadcrumbFile(cfg.StateDir),
		CheckpointInterval: cfg.CheckpointInterval,
		Log:                log,
	}, src)

	// Startup recovery: re-queue finished recordings, surface crashed ones.
	orphans, err := orc.RecoverStartup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup recovery scan failed")
	} else if len(orphans) > 0 {
		log.Warn().Int("count", len(orphans)).Msg("crashed recordings waiting for recover or dismiss")
	}

	lifecycle := session.NewSignalNotifier()
	defer lifecycle.Close()
	go orc.Run(ctx, lifecycle)

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		Orchestrator: orc,
		Queue:        queue,
		Store:        store,
		Tracker:      tracker,
		Bus:          bus,
		Source:       src,
		Backend:      client,
	}, version, startTime, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// A recording in flight gets one last checkpoint before the process exits.
	orc.Checkpoint(context.Background())

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("capture-agent stopped")
}

// nilSource backs the recorder in upload-only mode: starting a recording
// fails immediately with a device error instead of hanging.
type nilSource struct{}

func (nilSource) Start(ctx context.Context) (<-chan capture.Chunk, error) {
	return nil, capture.ErrDeviceUnavailable
}
func (nilSource) Errors() <-chan error { return nil }
func (nilSource) MimeType() string     { return "" }
func (nilSource) Connected() bool      { return false }
func (nilSource) Close()               {}
