// Package server exposes a headless HTTP status API over a metrics
// collector: a JSON snapshot/log endpoint for scripting, a WebSocket feed
// for the remote TUI, and, in daemon mode, endpoint lifecycle actions. There
// is no bundled web frontend — the dashboard is the terminal UI in
// internal/tui; this server exists so `replicatord tui --api-addr` and
// monitoring scripts can reach a backgrounded daemon that has no terminal
// attached.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicore/internal/config"
	"github.com/jfoltran/replicore/internal/daemon"
	"github.com/jfoltran/replicore/internal/metrics"
)

// Server is the HTTP server that serves the status/log/endpoint-action API
// and the WebSocket snapshot feed.
type Server struct {
	collector *metrics.Collector
	cfg       *config.Config
	logger    zerolog.Logger
	hub       *Hub
	endpoints *daemon.EndpointManager
	srv       *http.Server
}

// New creates a new Server.
func New(collector *metrics.Collector, cfg *config.Config, logger zerolog.Logger) *Server {
	hub := newHub(collector, logger)
	return &Server{
		collector: collector,
		cfg:       cfg,
		logger:    logger.With().Str("component", "http-server").Logger(),
		hub:       hub,
	}
}

// SetEndpointManager attaches an endpoint manager, enabling the daemon-mode
// action routes.
func (s *Server) SetEndpointManager(m *daemon.EndpointManager) {
	s.endpoints = m
}

// Start begins serving on the given port. It blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	h := &handlers{collector: s.collector, cfg: s.cfg}

	mux := http.NewServeMux()

	// API routes.
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/links", h.links)
	mux.HandleFunc("GET /api/v1/config", h.configHandler)
	mux.HandleFunc("GET /api/v1/logs", h.logs)
	mux.HandleFunc("/api/v1/ws", s.hub.handleWS)

	// Endpoint lifecycle routes (daemon mode).
	if s.endpoints != nil {
		eh := &endpointHandlers{endpoints: s.endpoints}
		mux.HandleFunc("POST /api/v1/endpoint/recover", eh.recover)
		mux.HandleFunc("POST /api/v1/endpoint/delete", eh.delete)
		mux.HandleFunc("GET /api/v1/endpoint/state", eh.state)
	}

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	// Start WebSocket hub.
	go s.hub.start(ctx)

	s.logger.Info().Int("port", port).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}
