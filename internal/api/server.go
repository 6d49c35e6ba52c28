package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/tradestat-ingest/internal/ingest"
	"github.com/JakeFAU/tradestat-ingest/internal/metrics"
)

// Runner starts scheduler runs.
type Runner interface {
	RunOnce(ctx context.Context) (ingest.Summary, error)
	Running() bool
}

// Config tunes the server.
type Config struct {
	// APIKey guards POST /v1/runs. Empty disables the check.
	APIKey string
	// RequestTimeout bounds every handler.
	RequestTimeout time.Duration
	// ReadyTimeout bounds the store ping behind /readyz.
	ReadyTimeout time.Duration
}

// Server wires HTTP handlers to the stores and the scheduler.
type Server struct {
	router  chi.Router
	items   ingest.ItemReader
	runs    ingest.RunStore
	runner  Runner
	cfg     Config
	logger  *zap.Logger
	baseCtx context.Context

	launching atomic.Bool
}

// NewServer constructs a Server with middleware and routes. Runs started over
// HTTP use baseCtx, so canceling it stops them.
func NewServer(
	baseCtx context.Context,
	items ingest.ItemReader,
	runs ingest.RunStore,
	runner Runner,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	s := &Server{
		items:   items,
		runs:    runs,
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		baseCtx: baseCtx,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/items", s.listItems)
		r.Get("/items/{code}", s.getItem)
		r.Get("/runs", s.listRuns)
		r.With(apiKeyMiddleware(cfg.APIKey)).Post("/runs", s.startRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ReadyTimeout)
	defer cancel()
	if err := s.items.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// startRun launches a run in the background. It answers 409 while a run is
// active, whether started here or by the daily trigger.
func (s *Server) startRun(w http.ResponseWriter, _ *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	if s.runner.Running() || !s.launching.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, ingest.ErrRunInProgress.Error())
		return
	}
	started := make(chan struct{})
	go func() {
		defer s.launching.Store(false)
		close(started)
		summary, err := s.runner.RunOnce(s.baseCtx)
		switch {
		case errors.Is(err, ingest.ErrRunInProgress):
			s.logger.Warn("manual run skipped, another run is active")
		case err != nil:
			s.logger.Error("manual run failed", zap.Error(err))
		default:
			s.logger.Info("manual run complete",
				zap.Int("attempted", summary.Attempted),
				zap.Int("completed", summary.Completed),
				zap.Int("failed", summary.Failed),
				zap.Int("deferred", summary.Deferred),
			)
		}
	}()
	<-started
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
