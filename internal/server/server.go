package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"

	"github.com/gorilla/mux"

	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
)

// Server wraps the HTTP server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	app        *App
	logger     *logger.Logger
}

// NewServer creates the HTTP server for the policy engine API.
func NewServer(app *App, addr string) *Server {
	s := &Server{
		app:    app,
		logger: app.Logger,
	}

	router := mux.NewRouter()
	s.registerRoutes(router)

	// Middleware chain: RequestID → SecurityHeaders → handler
	handler := Chain(router, RequestID, SecurityHeaders)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: 0, // audit stream endpoint holds its connection open
		IdleTimeout:  constants.HTTPIdleTimeout,
	}

	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	// Decision surface
	api.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)

	// Authentication
	api.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	api.HandleFunc("/stepup", s.handleStepUp).Methods(http.MethodPost)
	api.HandleFunc("/whoami", s.handleWhoami).Methods(http.MethodGet)

	// Principal and grant management
	api.HandleFunc("/principals", s.handleCreatePrincipal).Methods(http.MethodPost)
	api.HandleFunc("/principals/{id}/grants", s.handleListGrants).Methods(http.MethodGet)
	api.HandleFunc("/stepup/enroll", s.handleEnrollStepUp).Methods(http.MethodPost)
	api.HandleFunc("/grants", s.handleCreateGrant).Methods(http.MethodPost)
	api.HandleFunc("/grants/{id}", s.handleRevokeGrant).Methods(http.MethodDelete)

	// Audit log
	api.HandleFunc("/audit", s.handleAuditQuery).Methods(http.MethodGet)
	api.HandleFunc("/audit/stream", s.handleAuditStream).Methods(http.MethodGet)
	api.HandleFunc("/audit/verify", s.handleAuditVerify).Methods(http.MethodGet)

	// Monitoring
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// Start runs the server and blocks until shutdown signal.
func (s *Server) Start() error {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, shutdownSignals...)

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Server listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case sig := <-stop:
		s.logger.Info("Received signal %v, shutting down...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Shutdown error: %v", err)
	}

	s.app.Close()

	s.logger.Info("Shutdown complete")
	return nil
}
