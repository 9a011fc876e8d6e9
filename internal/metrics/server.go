// Package metrics provides Prometheus collectors and the HTTP server exposing them
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthFunc reports whether the process is healthy; a non-nil error marks it degraded
type HealthFunc func(ctx context.Context) error

// Server provides HTTP server for Prometheus metrics
type Server struct {
	port    int
	server  *http.Server
	log     zerolog.Logger
	health  HealthFunc
	version string
}

// NewServer creates a new metrics server
func NewServer(port int, log zerolog.Logger) *Server {
	return &Server{
		port:    port,
		log:     log.With().Str("component", "metrics_server").Logger(),
		version: "dev",
	}
}

// WithHealth sets the health probe used by /health
func (s *Server) WithHealth(version string, fn HealthFunc) *Server {
	s.version = version
	s.health = fn
	return s
}

// Handler returns the mux serving /metrics and /health
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	body := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"version":   s.version,
	}
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			body["error"] = err.Error()
		}
	}
	body["status"] = status

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write health response")
	}
}

// Start starts the metrics HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Int("port", s.port).Msg("Starting metrics server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.log.Info().Msg("Shutting down metrics server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}

	s.log.Info().Msg("Metrics server shutdown complete")
	return nil
}
