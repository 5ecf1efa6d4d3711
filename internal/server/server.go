// Package server exposes the negotiation API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dwellogo/dealdesk/internal/domain"
	"github.com/dwellogo/dealdesk/internal/server/handler"
	"github.com/dwellogo/dealdesk/internal/server/middleware"
	"github.com/dwellogo/dealdesk/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, gateway authentication is disabled

	// RateLimitPerMinute caps requests per caller; zero disables limiting.
	RateLimitPerMinute int
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health       *handler.HealthHandler
	Negotiations *handler.NegotiationHandler
	Properties   *handler.PropertyHandler // optional
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. wsHub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// NewHandler builds the routed, middleware-wrapped handler. Tests drive it
// through httptest.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Health.Status)

	n := handlers.Negotiations
	mux.HandleFunc("GET /api/negotiations", n.List)
	mux.HandleFunc("POST /api/negotiations", n.Create)
	mux.HandleFunc("GET /api/negotiations/{id}", n.Get)
	mux.HandleFunc("POST /api/negotiations/{id}/offers", n.SubmitOffer)
	mux.HandleFunc("POST /api/negotiations/{id}/offers/{offerId}/respond", n.RespondToOffer)
	mux.HandleFunc("POST /api/negotiations/{id}/messages", n.AddMessage)
	mux.HandleFunc("POST /api/negotiations/{id}/messages/read", n.MarkRead)
	mux.HandleFunc("PATCH /api/negotiations/{id}/status", n.SetStatus)
	mux.HandleFunc("GET /api/negotiations/{id}/history", n.History)

	if p := handlers.Properties; p != nil {
		mux.HandleFunc("GET /api/properties/{id}", p.Get)
		mux.HandleFunc("PUT /api/properties/{id}", p.Put)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Innermost first: the rate limiter and logger read the caller that
	// Identity stores, and CORS answers preflights before auth runs.
	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimitPerMinute, time.Minute, logger)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.Identity()(h)
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
