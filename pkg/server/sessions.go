package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/store"
)

type sessionCreateRequest struct {
	UserID       string `json:"user_id"`
	LLMSessionID string `json:"llm_session_id"`
	Title        string `json:"title"`
	Model        string `json:"model"`
}

type sessionCreateResponse struct {
	ChatSessionID string    `json:"chat_session_id"`
	Model         string    `json:"model"`
	CodexThreadID *string   `json:"codex_thread_id"`
	CreatedAt     time.Time `json:"created_at"`
	Title         string    `json:"title,omitempty"`
}

type sessionSummary struct {
	ID                  string    `json:"id"`
	Title               string    `json:"title,omitempty"`
	BackendID           string    `json:"backend_id"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	FirstMessagePreview string    `json:"first_message_preview,omitempty"`
	MessageCount        int       `json:"message_count"`
}

type messageRead struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.LLMSessionID == "" {
		writeError(w, http.StatusBadRequest, "user_id and llm_session_id are required")
		return
	}

	backend, err := s.backends.Resolve(req.Model)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	if err := s.store.EnsureUser(ctx, req.UserID); err != nil {
		log.Error("ensure user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	if err := s.store.EnsureLLMSession(ctx, req.LLMSessionID, req.UserID, backend.ID); err != nil {
		log.Error("ensure llm session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	sessionID := uuid.NewString()
	paths, err := s.ensurePaths(req.UserID, sessionID)
	if err != nil {
		log.Error("provision session paths", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to provision session")
		return
	}

	created, err := s.store.CreateChatSession(ctx, store.ChatSession{
		ID:           sessionID,
		UserID:       req.UserID,
		LLMSessionID: req.LLMSessionID,
		BackendID:    backend.ID,
		CodexHome:    paths.HomeDir,
		WorkspaceDir: paths.WorkspaceDir,
		Title:        req.Title,
	})
	if err != nil {
		log.Error("create chat session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	var threadID *string
	if created.CodexThreadID != "" {
		threadID = &created.CodexThreadID
	}
	writeJSON(w, http.StatusOK, sessionCreateResponse{
		ChatSessionID: created.ID,
		Model:         created.BackendID,
		CodexThreadID: threadID,
		CreatedAt:     created.CreatedAt,
		Title:         created.Title,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	summaries, err := s.store.ListChatSessions(r.Context(), userID)
	if err != nil {
		log.Error("list sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	out := make([]sessionSummary, 0, len(summaries))
	for _, cs := range summaries {
		out = append(out, sessionSummary{
			ID:                  cs.ID,
			Title:               cs.Title,
			BackendID:           cs.BackendID,
			CreatedAt:           cs.CreatedAt,
			UpdatedAt:           cs.UpdatedAt,
			FirstMessagePreview: cs.FirstMessagePreview,
			MessageCount:        cs.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	if _, err := s.store.GetChatSessionForUser(r.Context(), sessionID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrForbidden) {
			writeError(w, http.StatusNotFound, "Session not found.")
			return
		}
		log.Error("load session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), sessionID)
	if err != nil {
		log.Error("list messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]messageRead, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageRead{
			ID:        m.ID,
			Role:      string(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}
