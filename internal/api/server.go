// Package api serves the daemon's HTTP surface: the bus websocket and the
// settings API.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/coordinator"
	"github.com/goodtune/pagelimit/internal/settings"
)

// Evaluator answers evaluate requests.
type Evaluator interface {
	Evaluate(ctx context.Context, url string) (coordinator.Evaluation, error)
}

// Server represents the daemon HTTP server.
type Server struct {
	server    *http.Server
	router    *mux.Router
	bus       http.Handler
	evaluator Evaluator
	repo      *settings.Repository
	editor    *settings.Editor
	listener  net.Listener
	logger    zerolog.Logger
}

// NewServer creates the HTTP server. bus serves the /ws endpoint.
func NewServer(addr string, bus http.Handler, evaluator Evaluator, repo *settings.Repository, editor *settings.Editor, logger zerolog.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		bus:       bus,
		evaluator: evaluator,
		repo:      repo,
		editor:    editor,
		logger:    logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.Handle("/ws", s.bus).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/evaluate", s.handleEvaluate).Methods("GET")
	s.router.HandleFunc("/api/settings", s.handleGetSettings).Methods("GET")
	s.router.HandleFunc("/api/settings/export", s.handleExport).Methods("GET")
	s.router.HandleFunc("/api/settings/import", s.handleImport).Methods("POST")
	s.router.HandleFunc("/api/settings/strict", s.handleSetStrict).Methods("PUT")
	s.router.HandleFunc("/api/settings/reset-time", s.handleSetResetTime).Methods("PUT")
	s.router.HandleFunc("/api/settings/syncing", s.handleSetSyncing).Methods("PUT")

	s.router.HandleFunc("/api/groups", s.handleCreateGroup).Methods("POST")
	s.router.HandleFunc("/api/groups/{id}", s.handleUpdateGroup).Methods("PUT")
	s.router.HandleFunc("/api/groups/{id}", s.handleDeleteGroup).Methods("DELETE")
	s.router.HandleFunc("/api/groups/{id}/move", s.handleMoveGroup).Methods("POST")

	s.router.HandleFunc("/api/allowed", s.handleAddAllowed).Methods("POST")
	s.router.HandleFunc("/api/allowed", s.handleRemoveAllowed).Methods("DELETE")
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated HTTP listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}
