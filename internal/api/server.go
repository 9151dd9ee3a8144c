// Package api provides the read-only HTTP API of the go-epever daemon.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/link"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server represents the HTTP API server that exposes poll results and link
// health for monitoring.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	registry  domain.Registry
	monitor   *link.Monitor
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, registry domain.Registry, monitor *link.Monitor) *Server {
	router := mux.NewRouter()

	// Create logger with API component context
	logger := log.With().Str("component", "api").Logger()

	// Create API server instance
	apiServer := &Server{
		config:    cfg,
		router:    router,
		registry:  registry,
		monitor:   monitor,
		logger:    logger,
		startTime: time.Now(),
	}

	// Set up API routes
	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	// API versioning
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Server status endpoint
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Device endpoints
	api.HandleFunc("/devices", s.handleListDevices).Methods("GET")
	api.HandleFunc("/devices/{name}", s.handleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{name}/statistics", s.handleGetStatistics).Methods("GET")
}

// GetRouter returns the underlying router, primarily for testing.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	// Create HTTP server
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start HTTP server in a goroutine
	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":       "ok",
		"version":      "dev",
		"uptime":       time.Since(s.startTime).String(),
		"device_count": len(s.registry.GetAllDevices()),
		"links":        s.monitor.Stats(),
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleListDevices returns a list of all polled controllers.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.GetAllDevices()

	s.writeJSON(w, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	}, http.StatusOK)
}

// handleGetDevice returns information about a specific controller along with
// its most recent poll result.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	device, found := s.registry.GetDevice(name)
	if !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	response := map[string]interface{}{
		"device": device,
		"link":   s.monitor.State(name),
	}
	if latest, ok := s.registry.GetLatest(name); ok {
		response["latest"] = latest
	}

	s.writeJSON(w, response, http.StatusOK)
}

// handleGetStatistics returns the accumulated statistics of a controller.
func (s *Server) handleGetStatistics(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]

	if _, found := s.registry.GetDevice(name); !found {
		s.writeError(w, "Device not found", http.StatusNotFound)
		return
	}

	latest, ok := s.registry.GetLatest(name)
	if !ok || latest.Stats == nil {
		s.writeError(w, "No statistics available", http.StatusNotFound)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"device":     name,
		"timestamp":  latest.Timestamp,
		"statistics": latest.Stats,
	}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
