// Package server is the operator HTTP API: market membership, trading,
// positions, status and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/polypulse/internal/domain"
	"github.com/alanyoungcy/polypulse/internal/server/handler"
	"github.com/alanyoungcy/polypulse/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps mutating requests per client per RateWindow. Zero
	// disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Events and
// Metrics are optional.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Markets   *handler.MarketHandler
	Positions *handler.PositionHandler
	Events    *handler.EventsHandler
	Metrics   http.Handler
}

// Server is the headless HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. limiter may be nil.
func NewServer(
	cfg Config,
	handlers Handlers,
	limiter domain.RateLimiter,
	logger *slog.Logger,
) *Server {
	logger = logger.With(slog.String("component", "server"))
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler builds the routed handler with its middleware chain.
func NewHandler(
	cfg Config,
	handlers Handlers,
	limiter domain.RateLimiter,
	logger *slog.Logger,
) http.Handler {
	mux := http.NewServeMux()
	limited := middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)
	mutating := func(h http.HandlerFunc) http.Handler { return limited(h) }

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Markets.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.Handle("POST /api/markets", mutating(handlers.Markets.AddMarket))
	mux.Handle("DELETE /api/markets/{id}", mutating(handlers.Markets.RemoveMarket))
	mux.HandleFunc("GET /api/markets/{id}/book", handlers.Markets.GetBook)
	mux.HandleFunc("GET /api/catalog/{id}", handlers.Markets.GetCatalogMarket)

	// Trading and positions.
	mux.Handle("POST /api/trades", mutating(handlers.Positions.ExecuteTrade))
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.Handle("POST /api/positions/{id}/close", mutating(handlers.Positions.ClosePosition))
	mux.HandleFunc("GET /api/portfolio", handlers.Positions.GetPortfolio)

	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListRecent)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down. It returns nil after a
// graceful Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
