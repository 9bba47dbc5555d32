// Package server is the read-only HTTP surface of the factory: the viewer
// page, the persisted manifest, the artifacts, and the live refresh channel.
//
// It never renders anything. The manifest is read from disk on every request
// so a viewer only ever sees a fully persisted state.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/conneroisu/docfactory/internal/factory"
	"github.com/conneroisu/docfactory/internal/hub"
	"github.com/conneroisu/docfactory/internal/logging"
)

// StatusSource reports controller progress for /api/status.
type StatusSource interface {
	Status() factory.Status
}

// Config locates what the server publishes.
type Config struct {
	Address        string
	OutputDir      string
	ManifestPath   string
	ViewerPath     string
	AllowedOrigins []string
}

// Server serves the artifact directory and the live channel endpoints.
type Server struct {
	config Config
	hub    *hub.Hub
	status StatusSource
	logger logging.Logger

	serverMutex  sync.RWMutex // Protects httpServer and listener
	httpServer   *http.Server
	listener     net.Listener
	shutdownOnce sync.Once
}

// New creates a server. status may be nil.
func New(cfg Config, h *hub.Hub, status StatusSource, logger logging.Logger) *Server {
	return &Server{
		config: cfg,
		hub:    h,
		status: status,
		logger: logger.WithComponent("server"),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleViewer)
	mux.HandleFunc("GET /manifest.json", s.handleManifest)
	mux.HandleFunc("GET /output/{file}", s.handleOutput)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	mux.HandleFunc("GET /events", s.hub.HandleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	return chain(mux,
		s.recoverPanics,
		s.logRequests,
		securityHeaders,
		s.cors,
	)
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until Shutdown.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.serverMutex.Lock()
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	s.logger.Info(ctx, "Serving artifacts",
		"address", "http://"+listener.Addr().String(),
		"output", s.config.OutputDir)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Addr is the bound address, or "" before Serve.
func (s *Server) Addr() string {
	s.serverMutex.RLock()
	defer s.serverMutex.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes every live channel, stops accepting connections, and waits
// for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info(ctx, "Shutting down server")

		s.hub.Close()

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()

		if server != nil {
			shutdownErr = server.Shutdown(ctx)
		}
	})

	return shutdownErr
}
