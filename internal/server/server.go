// Package server exposes the migration engine over HTTP: analyze a
// source, build and fetch plans, start and inspect runs, and trigger
// rollback or abort. All state lives in the store; the server itself is
// stateless apart from in-flight background runs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shiftdb/shift/internal/config"
	"github.com/shiftdb/shift/internal/engine"
	"github.com/shiftdb/shift/internal/httputil"
	"github.com/shiftdb/shift/internal/plan"
	"github.com/shiftdb/shift/internal/state"
)

// Store is the slice of the state store the handlers need.
// *state.Store satisfies it.
type Store interface {
	SavePlan(ctx context.Context, p *plan.MigrationPlan) error
	GetPlan(ctx context.Context, planID string) (*plan.MigrationPlan, error)
	GetRun(ctx context.Context, runID string) (*state.Run, error)
	JobStates(ctx context.Context, runID string) (map[string]state.JobState, error)
	Events(ctx context.Context, runID string) ([]state.Event, error)
}

// Migrator starts and controls runs. *engine.Engine satisfies it.
type Migrator interface {
	Start(ctx context.Context, p *plan.MigrationPlan, dryRun bool) (string, error)
	Resume(ctx context.Context, runID string) error
	Abort(runID string)
	Rollback(ctx context.Context, runID string) (*engine.RollbackResult, error)
}

// HealthFunc pings the server's database connections. nil means no
// connections to check.
type HealthFunc func(ctx context.Context) error

// Server is the shift HTTP API server.
type Server struct {
	cfg       *config.Config
	router    *chi.Mux
	http      *http.Server
	logger    *slog.Logger
	store     Store
	migrator  Migrator
	health    HealthFunc
	analyzeFn analyzeFunc
	startTime time.Time
}

// New creates a Server with middleware and routes configured.
func New(cfg *config.Config, logger *slog.Logger, store Store, migrator Migrator, health HealthFunc) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:       cfg,
		router:    r,
		logger:    logger,
		store:     store,
		migrator:  migrator,
		health:    health,
		startTime: time.Now(),
	}
	s.analyzeFn = s.analyzeSource

	// Health check (no auth, no content-type restriction).
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIToken)
		r.Use(middleware.AllowContentType("application/json"))

		r.Route("/migrations", func(r chi.Router) {
			r.Post("/analyze", s.handleAnalyze)
			r.Post("/plan", s.handlePlan)
			r.Post("/{planID}/execute", s.handleExecute)
			r.Get("/plans/{planID}", s.handleGetPlan)

			r.Route("/runs/{runID}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Get("/validation", s.handleGetValidation)
				r.Post("/rollback", s.handleRollback)
				r.Post("/abort", s.handleAbort)
				r.Post("/resume", s.handleResume)
			})
		})
	})

	return s
}

// Router returns the chi router, mostly for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// SetAnalyzeForTesting replaces the source-dialing analyze step.
func (s *Server) SetAnalyzeForTesting(fn analyzeFunc) {
	s.analyzeFn = fn
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ready chan<- struct{}) error {
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
