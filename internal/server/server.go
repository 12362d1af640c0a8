// Package server exposes the engine over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/server/handler"
	"github.com/alanyoungcy/flasharb/internal/server/middleware"
	"github.com/alanyoungcy/flasharb/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port             int
	CORSOrigins      []string
	APIKey           string // empty disables authentication
	RateLimit        int
	RateLimitWindow  time.Duration
	SignatureMaxSkew time.Duration // age bound of a signed request
}

// Handlers aggregates the route handlers. Archives and Pipeline are
// optional and only registered when set.
type Handlers struct {
	Health     *handler.HealthHandler
	Executions *handler.ExecutionHandler
	Admin      *handler.AdminHandler
	Venues     *handler.VenueHandler
	Archives   *handler.ArchiveHandler
	Pipeline   *handler.PipelineHandler
}

// Server is the HTTP and websocket API of the engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain:
// signature recovery, rate limit, auth, logging, then CORS outermost. limiter and wsHub may be
// nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      Routes(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// Routes builds the handler tree without a listener.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/executions", handlers.Executions.Execute)
	mux.HandleFunc("GET /api/executions", handlers.Executions.ListExecutions)
	mux.HandleFunc("GET /api/executions/{id}", handlers.Executions.GetExecution)
	mux.HandleFunc("GET /api/stats", handlers.Executions.Stats)
	mux.HandleFunc("GET /api/breaker", handlers.Executions.Breaker)
	mux.HandleFunc("GET /api/routes", handlers.Executions.Routes)

	if handlers.Venues != nil {
		mux.HandleFunc("GET /api/venues", handlers.Venues.ListVenues)
	}

	mux.HandleFunc("GET /api/admin/profit", handlers.Admin.Profit)
	mux.HandleFunc("PUT /api/admin/profit", handlers.Admin.SetProfitParams)
	mux.HandleFunc("PUT /api/admin/breaker", handlers.Admin.SetBreakerLimits)
	mux.HandleFunc("POST /api/admin/breaker/force", handlers.Admin.ForceBreaker)
	mux.HandleFunc("DELETE /api/admin/breaker/force", handlers.Admin.ClearBreakerOverride)
	mux.HandleFunc("DELETE /api/admin/routes/{fingerprint}", handlers.Admin.ResetRoute)
	mux.HandleFunc("POST /api/admin/venues/{address}", handlers.Admin.RegisterVenue)
	mux.HandleFunc("DELETE /api/admin/venues/{address}", handlers.Admin.DeregisterVenue)
	mux.HandleFunc("PUT /api/admin/shares", handlers.Admin.SetProfitShares)
	mux.HandleFunc("PUT /api/admin/volatility", handlers.Admin.SetVolatilityIndex)
	mux.HandleFunc("GET /api/admin/audit", handlers.Admin.AuditLog)

	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.ListArchives)
		mux.HandleFunc("GET /api/archives/{path...}", handlers.Archives.GetArchive)
	}
	if handlers.Pipeline != nil {
		mux.HandleFunc("POST /api/admin/archive", handlers.Pipeline.TriggerArchive)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Signature(cfg.SignatureMaxSkew, logger)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down. A graceful shutdown returns
// nil.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
