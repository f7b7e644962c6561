// Package server provides HTTP server management and lifecycle handling for
// the symptom engine API: middleware, routes and graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oncotrack/symptom-engine/config"
	"github.com/oncotrack/symptom-engine/handlers"
	"github.com/oncotrack/symptom-engine/interfaces"
	"github.com/oncotrack/symptom-engine/logging"
	"github.com/oncotrack/symptom-engine/metrics"
)

const rateLimiterSweepInterval = 30 * time.Minute

// Server represents the HTTP server
type Server struct {
	server      *http.Server
	router      chi.Router
	handler     *handlers.HTTPHandlerImpl
	config      *config.Config
	rateLimiter *RateLimiter
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewServer creates a new server instance
func NewServer(
	cfg *config.Config,
	catalogStore interfaces.CatalogStore,
	svc interfaces.QuestionnaireService,
	validator interfaces.CatalogValidator,
	healthChecker interfaces.HealthChecker,
) *Server {
	router := chi.NewRouter()
	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		server: &http.Server{
			Handler:      router,
			Addr:         cfg.Address + ":" + cfg.Port,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		router:      router,
		handler:     handlers.NewHTTPHandler(catalogStore, svc, validator, healthChecker),
		config:      cfg,
		rateLimiter: NewRateLimiter(),
		ctx:         ctx,
		cancel:      cancel,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures all middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	if s.config.Env == "prod" {
		s.router.Use(BlockDirectAccessMiddleware) // before RealIPMiddleware to see the original RemoteAddr
	}
	s.router.Use(RealIPMiddleware)
	s.router.Use(logging.LoggingMiddleware(logging.Logger()))
	s.router.Use(metrics.Metrics)
	s.router.Use(middleware.RedirectSlashes)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5, "application/json"))
	s.router.Use(RequestSizeMiddleware(s.config.MaxRequestBody, s.config.MaxHeaderSize))
	s.router.Use(s.rateLimiter.Middleware)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	h := s.handler

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/questionnaires", h.GenerateQuestionnaire)
		r.Get("/questionnaires/{id}", h.GetQuestionnaire)
		r.Put("/questionnaires/{id}/responses", h.SubmitResponses)
		r.Post("/questionnaires/{id}/triage", h.TriageQuestionnaire)

		r.Get("/queue", h.ServeActiveQueue)
		r.Get("/patients/{patientId}/questionnaires", h.ServePatientHistory)

		r.Get("/regimens/{code}/diagnosis", h.ServeRegimenDiagnosis)
		r.Get("/drugs/{name}", h.FindDrug)
		r.Get("/catalog/report", h.ServeCatalogReport)
	})

	s.router.Get("/health", h.HealthCheck)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.RespondWithError(w, http.StatusNotFound, "Route not found")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		handlers.RespondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}

// Router exposes the configured router, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the server and blocks until it stops. A graceful shutdown
// returns nil.
func (s *Server) Start() error {
	s.rateLimiter.StartCleanup(s.ctx, rateLimiterSweepInterval)

	if s.config.Env == "dev" {
		s.startProfilingServer()
	}

	logging.Info(fmt.Sprintf("Starting server at: %s:%s", s.config.Address, s.config.Port))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down server...")

	s.cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		logging.Error("Server forced to shutdown", "error", err)
		if err := s.server.Close(); err != nil {
			logging.Error("Server close error", "error", err)
			return err
		}
	}

	logging.Info("Server shutdown complete")
	return nil
}

// startProfilingServer starts the pprof profiling server in development mode
func (s *Server) startProfilingServer() {
	go func() {
		logging.Info("Profiling server started at http://localhost:6060/debug/pprof/")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			logging.Warn("Profiling server failed", "error", err)
		}
	}()
}
