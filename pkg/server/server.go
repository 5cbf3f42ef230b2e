// Package server exposes the HTTP surface: session management REST
// endpoints, the prompt library, the websocket chat endpoint, and the
// embedded gateway proxy.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coderelay/coderelay/pkg/chat"
	"github.com/coderelay/coderelay/pkg/codex"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/gateway"
	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/store"
)

// BackendDirectory resolves a model alias to a configured backend.
type BackendDirectory interface {
	Resolve(alias string) (*gateway.Client, error)
}

// EnsurePathsFunc provisions the per-session directories before the
// first turn.
type EnsurePathsFunc func(userID, sessionID string) (codex.SessionPaths, error)

// Options wires the server's collaborators.
type Options struct {
	Config      *config.Config
	Store       *store.Store
	Backends    BackendDirectory
	Starter     chat.TurnStarter
	Gateway     *gateway.Handler
	EnsurePaths EnsurePathsFunc
}

// Server is the HTTP front of the relay.
type Server struct {
	cfg         *config.Config
	store       *store.Store
	backends    BackendDirectory
	starter     chat.TurnStarter
	ensurePaths EnsurePathsFunc

	httpServer *http.Server
}

// NewServer validates options and builds the route table.
func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Backends == nil {
		return nil, fmt.Errorf("backend directory is required")
	}
	if opts.Starter == nil {
		return nil, fmt.Errorf("turn starter is required")
	}
	if opts.EnsurePaths == nil {
		return nil, fmt.Errorf("session path provisioner is required")
	}

	s := &Server{
		cfg:         opts.Config,
		store:       opts.Store,
		backends:    opts.Backends,
		starter:     opts.Starter,
		ensurePaths: opts.EnsurePaths,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /prompts/create", s.handleCreatePrompt)
	mux.HandleFunc("GET /prompts/list", s.handleListPrompts)
	mux.HandleFunc("GET /prompts/suggestions/{limit}", s.handlePromptSuggestions)
	mux.HandleFunc("POST /prompts/copy", s.handleCopyPrompt)
	mux.HandleFunc("GET /prompts/{id}", s.handleGetPrompt)
	mux.HandleFunc("PUT /prompts/{id}", s.handleUpdatePrompt)
	mux.HandleFunc("DELETE /prompts/{id}", s.handleDeletePrompt)
	mux.HandleFunc("/chat", s.handleChat)
	if opts.Gateway != nil {
		opts.Gateway.Register(mux)
	}

	s.httpServer = &http.Server{
		Addr:    opts.Config.ListenAddr,
		Handler: corsMiddleware(opts.Config.AllowedOrigins, mux),
	}
	return s, nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	log.Info("server listening", "addr", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
