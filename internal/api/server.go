// Package api exposes the presence tracker over a JSON HTTP API.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/presence/internal/presence"
	"github.com/goodtune/presence/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr      string
	RateLimit       int // 0 disables rate limiting
	RateLimitWindow time.Duration
}

// Server represents the API HTTP server.
type Server struct {
	config      Config
	store       storage.Store
	rateLimiter *RateLimiter
	server      *http.Server
	router      *mux.Router
	listener    net.Listener // Optional pre-created listener (for systemd socket activation)
	logger      zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, store storage.Store, controller *presence.Controller, p *presence.Presence, auditor *presence.Auditor, logger zerolog.Logger) *Server {
	s := &Server{
		config: cfg,
		store:  store,
		router: mux.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	if cfg.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	}

	s.setupRoutes(controller, p, auditor)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes(controller *presence.Controller, p *presence.Presence, auditor *presence.Auditor) {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware)
	if s.rateLimiter != nil {
		s.router.Use(RateLimitMiddleware(s.rateLimiter))
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	sessions := NewSessionsHandler(controller, p, s.logger)
	s.router.HandleFunc("/api/sessions", sessions.Register).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}", sessions.Get).Methods("GET")
	s.router.HandleFunc("/api/sessions/{id}/start", sessions.Start).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}/end", sessions.End).Methods("POST")
	s.router.HandleFunc("/api/sessions/{id}/activity", sessions.Activity).Methods("POST")

	accounts := NewAccountsHandler(controller, p, s.logger)
	s.router.HandleFunc("/api/accounts/{id}", accounts.Update).Methods("PUT")
	s.router.HandleFunc("/api/accounts/{id}/sessions", accounts.Sessions).Methods("GET")

	audit := NewAuditHandler(auditor, s.logger)
	s.router.HandleFunc("/api/audit", audit.Run).Methods("GET")
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the API HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
	})
}
