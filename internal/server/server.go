package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/mediaforge/internal/app"
	"github.com/ternarybob/mediaforge/internal/handlers"
)

// Server manages the HTTP server and routes
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server

	jobHandler    *handlers.JobHandler
	eventsHandler *handlers.EventsHandler
	logsHandler   *handlers.LogsHandler
}

// New creates a new HTTP server with the given app
func New(application *app.App) *Server {
	s := &Server{
		app:           application,
		jobHandler:    handlers.NewJobHandler(application.Orchestrator, application.Config, application.Logger),
		eventsHandler: handlers.NewEventsHandler(application.Orchestrator, application.EventBus, application.Logger),
		logsHandler:   handlers.NewLogsHandler(application.EventBus, application.Logger),
	}

	// Route the process logger's output into the firehose so /ws/logs
	// carries every service's log lines, not just bus events
	application.Logger.SetChannel("logs", s.logsHandler.LogChannel())

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.withMiddleware(s.router),
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE and WebSocket streams hold the
		// connection open indefinitely
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.app.Config.Server.Host, s.app.Config.Server.Port)

	s.app.Logger.Info().
		Str("address", addr).
		Bool("allow_remote", s.app.Config.Server.AllowRemote).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server...")

	s.logsHandler.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.app.Logger.Info().Msg("HTTP server stopped")
	return nil
}
