// Package api exposes the HTTP control surface: command verbs, entity
// CRUD, settings, Prometheus metrics, and the websocket push channel the
// UIs subscribe to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nerrad567/iron-rail-core/internal/infrastructure/config"
	"github.com/nerrad567/iron-rail-core/internal/infrastructure/logging"
	"github.com/nerrad567/iron-rail-core/internal/manager"
	"github.com/nerrad567/iron-rail-core/internal/model"
)

// Server is the HTTP control API server.
type Server struct {
	cfg     config.ServerConfig
	logger  *logging.Logger
	manager *manager.Manager
	hub     *Hub
	http    *http.Server
}

// NewServer creates the server and its router.
func NewServer(cfg *config.Config, mgr *manager.Manager, hub *Hub, logger *logging.Logger) *Server {
	s := &Server{
		cfg:     cfg.Server,
		logger:  logger,
		manager: mgr,
		hub:     hub,
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  cfg.GetIdleTimeout(),
	}
	return s
}

// Start binds the listener and serves until Shutdown. A bind failure is
// returned immediately so startup can abort with a non-zero exit.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.http.Addr, err)
	}
	s.logger.Info("control api listening", "addr", s.http.Addr)
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeJSON renders a JSON response.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrConfigInvalid):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInUse),
		errors.Is(err, model.ErrAlreadyLocked),
		errors.Is(err, model.ErrWrongState):
		status = http.StatusConflict
	case errors.Is(err, model.ErrBoosterOff):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidSerialization):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
