// Package server provides the local HTTP server for ppecheck.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/ayusman/ppecheck/internal/capture"
	"github.com/ayusman/ppecheck/internal/config"
	"github.com/ayusman/ppecheck/internal/log"
	"github.com/ayusman/ppecheck/internal/sequencer"
	"github.com/ayusman/ppecheck/internal/server/api"
	"github.com/ayusman/ppecheck/internal/store"
)

// Config holds the server configuration.
type Config struct {
	StaticDir string
	Store     *store.Store
	Sequencer *sequencer.Sequencer
	Preview   FrameSource

	// Defaults are the settings used for keys missing from the store.
	Defaults config.Config
	// OnSettingsChange receives the effective settings after an update.
	OnSettingsChange func(api.Settings)
}

// Server represents the HTTP server for the ppecheck application.
type Server struct {
	config Config
	router *mux.Router
	start  time.Time
	events *EventsHandler

	mu   sync.Mutex
	http *http.Server
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		router: mux.NewRouter(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	r := s.router
	r.HandleFunc("/api/health", s.handleHealth)

	if s.config.Sequencer != nil {
		captureHandler := api.NewCaptureHandler(s.config.Sequencer).WithOverlay(capture.DrawDetections)
		r.Handle("/api/state", captureHandler)
		r.PathPrefix("/api/capture/").Handler(captureHandler)

		s.events = NewEventsHandler(s.config.Sequencer)
		r.Handle("/api/events", s.events).Methods(http.MethodGet)
	}

	if s.config.Store != nil {
		r.Handle("/api/settings", api.NewSettingsHandler(s.config.Store, s.config.Defaults, s.config.OnSettingsChange))
	}

	if s.config.Preview != nil {
		r.Handle("/api/stream", NewStreamHandler(s.config.Preview))
	}

	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		r.PathPrefix("/").Handler(fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.Sequencer != nil {
		response["state"] = s.config.Sequencer.Snapshot().State
	}
	if s.events != nil {
		response["event_clients"] = s.events.Clients()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe starts the HTTP server on the given address. It returns nil
// after Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	log.Info("http server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.events != nil {
		s.events.Close()
	}

	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
