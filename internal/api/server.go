package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/velar-health/capture-agent/internal/config"
	"github.com/velar-health/capture-agent/internal/events"
	"github.com/velar-health/capture-agent/internal/metrics"
	"github.com/velar-health/capture-agent/internal/recovery"
	"github.com/velar-health/capture-agent/internal/recstore"
	"github.com/velar-health/capture-agent/internal/session"
	"github.com/velar-health/capture-agent/internal/uploader"
)

// Deps are the wired pipeline components the HTTP surface exposes.
type Deps struct {
	Orchestrator *session.Orchestrator
	Queue        *uploader.Queue
	Store        *recstore.Store
	Tracker      *recovery.Tracker
	Bus          *events.Bus
	Source       SourceChecker
	Backend      BackendChecker
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, deps Deps, version string, startTime time.Time, log zerolog.Logger) *Server {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORSWithOrigins(cfg.AllowedOrigins))
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(deps.Store, deps.Source, deps.Backend, version, startTime)
	recordings := NewRecordingsHandler(deps.Orchestrator, deps.Queue, deps.Store, deps.Tracker)
	eventsHandler := NewEventsHandler(deps.Bus)

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		// Health stays open, the UI shell probes it before sign-in
		r.Get("/health", health.ServeHTTP)

		// Authenticated routes
		r.Group(func(r chi.Router) {
			if cfg.RateLimitRPS > 0 {
				r.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
			}
			r.Use(BearerAuth(cfg.AuthToken))
			recordings.Routes(r, RequireAuth(cfg.AuthToken))
			eventsHandler.Routes(r)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Handler exposes the routed handler for in-process testing.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
