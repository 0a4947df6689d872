// Package api implements the process's HTTP control surface: liveness,
// readiness, rolled-up health metrics, per-symbol status, the cached
// exchange-info view, and the subscriber WebSocket upgrade endpoint.
//
// An http.ServeMux is built once at construction around a single
// *http.Server with fixed read/write/idle timeouts, and Stop shuts down
// gracefully with a bounded deadline. Every route reads the engine's
// current state synchronously rather than streaming pushed events; the
// subscriber WebSocket is the push path.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ingestd/internal/engine"
	"ingestd/internal/excinfo"
	"ingestd/internal/fanout"
)

// Provider is the subset of *engine.Engine the HTTP layer reads from.
type Provider interface {
	Status() []engine.SymbolStatus
	Metrics() engine.HealthMetrics
	Readiness() engine.Readiness
	ExchangeInfo() *excinfo.Cache
	LastDataReceivedAt() time.Time
	StartedAt() time.Time
	Registry() *fanout.Registry
}

// Config tunes the HTTP server.
type Config struct {
	Addr string
}

// Server runs the control-plane HTTP API.
type Server struct {
	cfg      Config
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the route table and the underlying http.Server.
func NewServer(cfg Config, provider Provider, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health/liveness", handlers.HandleLiveness)
	mux.HandleFunc("/health/readiness", handlers.HandleReadiness)
	mux.HandleFunc("/health/metrics", handlers.HandleMetrics)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/exchange-info", handlers.HandleExchangeInfo)
	mux.HandleFunc("/subscribe", handlers.HandleSubscribe)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("control api starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down within a bounded deadline.
func (s *Server) Stop() error {
	s.logger.Info("stopping control api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
