// Package api serves the daemon's local observability endpoints. The surface
// is strictly read-only: jobs are dispatched and aborted through the pool's
// in-process operations, never over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/stoker/internal/events"
	"github.com/mattjoyce/stoker/internal/pool"
	"github.com/mattjoyce/stoker/internal/state"
)

// StatusProvider is the pool surface the API needs.
type StatusProvider interface {
	GetStatus() pool.Status
}

// SessionLister is the session registry surface the API needs.
type SessionLister interface {
	List(ctx context.Context) ([]*state.Session, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token, when set, is required as a bearer token on every request.
	Token string
}

// Server is the observability HTTP server.
type Server struct {
	config    Config
	pool      StatusProvider
	sessions  SessionLister
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, p StatusProvider, sessions SessionLister, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		pool:      p,
		sessions:  sessions,
		hub:       hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Routes builds the router; exposed separately for httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/sessions", s.handleSessions)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", s.config.Listen)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.Token != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.config.Token {
				s.writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pool.GetStatus())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	type sessionView struct {
		SessionID     string    `json:"sessionId"`
		EngineSession string    `json:"engineSession,omitempty"`
		LastJobID     string    `json:"lastJobId,omitempty"`
		UpdatedAt     time.Time `json:"updatedAt"`
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			SessionID:     sess.SessionID,
			EngineSession: sess.EngineSession,
			LastJobID:     sess.LastJobID,
			UpdatedAt:     sess.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
