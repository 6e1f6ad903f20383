// Package server exposes the service over a local JSON API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deckcloud/deckcloud/internal/service"
)

// Server is the HTTP front of the orchestration service.
type Server struct {
	service    *service.Service
	logger     *slog.Logger
	httpServer *http.Server
	metrics    *metrics
}

// NewServer creates a Server.
func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service: svc,
		logger:  logger.With("component", "server"),
		metrics: newMetrics(),
	}
}

// Start serves on the given listen address until Shutdown.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// routes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.instrument("state", s.handleState))
	mux.HandleFunc("GET /api/catalog", s.instrument("catalog", s.handleCatalog))
	mux.HandleFunc("GET /api/settings", s.instrument("settings", s.handleGetSettings))
	mux.HandleFunc("POST /api/settings", s.instrument("settings", s.handleUpdateSettings))
	mux.HandleFunc("POST /api/login", s.instrument("login", s.handleLogin))

	mux.HandleFunc("POST /api/install/prepare", s.instrument("install_prepare", s.handlePrepareInstall))
	mux.HandleFunc("POST /api/install/start", s.instrument("install_start", s.handleStartInstall))

	mux.HandleFunc("GET /api/tasks", s.instrument("tasks", s.handleListTasks))
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.instrument("task_pause", s.handlePauseTask))
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.instrument("task_resume", s.handleResumeTask))
	mux.HandleFunc("POST /api/tasks/{id}/remove", s.instrument("task_remove", s.handleRemoveTask))
	mux.HandleFunc("GET /api/tasks/ws", s.handleTasksWS)

	mux.HandleFunc("GET /api/installed", s.instrument("installed", s.handleInstalled))
	mux.HandleFunc("POST /api/installed/uninstall", s.instrument("uninstall", s.handleUninstall))
	mux.HandleFunc("GET /api/history", s.instrument("history", s.handleHistory))

	mux.HandleFunc("POST /api/cloudsave/upload", s.instrument("cloudsave_upload", s.handleCloudSaveUpload))
	mux.HandleFunc("POST /api/cloudsave/restore", s.instrument("cloudsave_restore", s.handleCloudSaveRestore))

	mux.Handle("GET /metrics", s.metrics.handler())

	return mux
}
