package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/backend/internal/config"
	"github.com/PortNumber53/entitlement-engine/backend/internal/handlers"
	requesttracking "github.com/PortNumber53/entitlement-engine/backend/internal/middleware"
	"github.com/PortNumber53/entitlement-engine/backend/internal/worker"
)

// Deps are the components served over HTTP. Nil members leave their routes
// unregistered.
type Deps struct {
	DB       handlers.Pinger
	Webhook  handlers.WebhookIngester
	Accounts *handlers.AccountHandler
	Quota    handlers.QuotaTracker
	Jobs     *handlers.JobHandler
	Worker   *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and components.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(requesttracking.NewRequestTracker(nil).Middleware())

	router.Get("/healthz", handlers.Health(deps.DB))
	router.Handle("/metrics", promhttp.Handler())

	if deps.Webhook != nil {
		router.Post("/api/billing/webhook", handlers.Webhook(deps.Webhook))
	}
	if deps.Accounts != nil {
		deps.Accounts.RegisterRoutes(router)
	}
	if deps.Quota != nil {
		handlers.RegisterUsageRoutes(router, deps.Quota)
	}
	if deps.Jobs != nil {
		deps.Jobs.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		log.Info().Msg("server: starting notification worker")
		s.worker.Start(ctx)
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("server: listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		log.Info().Msg("server: stopping notification worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			log.Error().Err(werr).Msg("server: worker shutdown")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
