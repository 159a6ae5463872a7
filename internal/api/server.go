// Package api exposes the relay over HTTP: the SSE chat endpoints, a
// WebSocket mirror of the same event protocol, conversation reads, and
// a health probe.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Noah-Wu66/vectaix-relay/internal/buildinfo"
	"github.com/Noah-Wu66/vectaix-relay/internal/store"
	"github.com/Noah-Wu66/vectaix-relay/internal/turn"
)

// Server hosts the relay's HTTP surface.
type Server struct {
	addr       string
	controller *turn.Controller
	defaultGen turn.Generator
	councilGen turn.Generator
	store      store.Store
	heartbeat  time.Duration
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer wires the HTTP surface. councilGen may be nil when no
// council models are configured.
func NewServer(addr string, c *turn.Controller, defaultGen, councilGen turn.Generator, st store.Store, heartbeat time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:       addr,
		controller: c,
		defaultGen: defaultGen,
		councilGen: councilGen,
		store:      st,
		heartbeat:  heartbeat,
		logger:     logger.With("component", "api"),
	}
}

// Start begins serving and blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/council", s.handleCouncil)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.withLogging(mux),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), r.PathValue("id"), userID(r))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("conversation read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().Round(time.Second).String(),
	})
}

// userID resolves the caller identity. Authentication lives in front of
// this service; an absent header maps everything to one shared scope.
func userID(r *http.Request) string {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// prepareStatus maps a Prepare failure onto an HTTP status. Prepare runs
// before the stream commits, so these are the only plain HTTP errors a
// turn can produce.
func prepareStatus(err error) (int, string) {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "conversation not found"
	}
	var msg string
	if err != nil {
		msg = err.Error()
	}
	return http.StatusBadRequest, fmt.Sprintf("invalid request: %s", msg)
}
