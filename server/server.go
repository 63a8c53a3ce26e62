// Package server exposes the printers, their writes, provisioning and
// job history over HTTP, with live notifications on a WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hydraresearch/nautilus/duet"
	"github.com/hydraresearch/nautilus/files"
	"github.com/hydraresearch/nautilus/history"
	"github.com/hydraresearch/nautilus/printer"
	"github.com/hydraresearch/nautilus/provision"
	"github.com/hydraresearch/nautilus/registry"
)

// Config holds the listen address.
type Config struct {
	Host string
	Port int
}

// DiscoverFunc browses the network for controllers.
type DiscoverFunc func(ctx context.Context, timeout time.Duration) ([]printer.DiscoveredPrinter, error)

// Deps are the services the API serves.
type Deps struct {
	Registry *registry.Registry
	Printers *printer.Manager
	Updater  *provision.Updater
	Files    *files.Manager
	History  *history.Manager
	// Discover defaults to printer.Discover.
	Discover DiscoverFunc
}

// Server is the HTTP/WebSocket API.
type Server struct {
	cfg        Config
	mux        *http.ServeMux
	httpServer *http.Server
	hub        *Hub

	registry *registry.Registry
	printers *printer.Manager
	updater  *provision.Updater
	files    *files.Manager
	history  *history.Manager
	discover DiscoverFunc
}

// New creates a server broadcasting through hub.
func New(cfg Config, deps Deps, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub()
	}
	if deps.Discover == nil {
		deps.Discover = printer.Discover
	}
	s := &Server{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		hub:      hub,
		registry: deps.Registry,
		printers: deps.Printers,
		updater:  deps.Updater,
		files:    deps.Files,
		history:  deps.History,
		discover: deps.Discover,
	}
	hub.server = s

	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: corsMiddleware(s.mux),
	}
	return s
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes() {
	s.registerPrinterHandlers()
	s.registerHistoryHandlers()
	s.registerFileHandlers()

	s.mux.HandleFunc("GET /websocket", s.hub.HandleWebSocket)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /server/info", s.handleServerInfo)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"result": "Nautilus",
	})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"result": s.info(),
	})
}

func (s *Server) info() map[string]interface{} {
	return map[string]interface{}{
		"printers":          s.registry.Names(),
		"websocket_clients": s.hub.clientCount(),
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	log.Printf("API server starting on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for browser frontends.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    status,
			"message": message,
		},
	})
}

// writeError maps workflow errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, printer.ErrDeviceBusy),
		errors.Is(err, provision.ErrPrinterBusy),
		errors.Is(err, printer.ErrCanceled):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidURL),
		errors.Is(err, printer.ErrInvalidName):
		return http.StatusBadRequest
	case duet.IsTimeout(err):
		return http.StatusGatewayTimeout
	case isDuetError(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func isDuetError(err error) bool {
	var de *duet.Error
	return errors.As(err, &de)
}
