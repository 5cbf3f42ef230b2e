package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coderelay/coderelay/pkg/log"
	"github.com/coderelay/coderelay/pkg/store"
)

type promptCreateRequest struct {
	Persona        string   `json:"persona"`
	Task           string   `json:"task"`
	IfTaskNeedData bool     `json:"if_task_need_data"`
	Data           string   `json:"data"`
	Response       string   `json:"response"`
	Keywords       []string `json:"keywords_used_for_search"`
}

type promptUpdateRequest struct {
	Persona        *string  `json:"persona"`
	Task           *string  `json:"task"`
	IfTaskNeedData *bool    `json:"if_task_need_data"`
	Data           *string  `json:"data"`
	Response       *string  `json:"response"`
	Keywords       []string `json:"keywords_used_for_search"`
}

type promptCopyRequest struct {
	PromptID string `json:"prompt_id"`
}

type promptView struct {
	ID             string    `json:"id"`
	Persona        string    `json:"persona"`
	Task           string    `json:"task"`
	IfTaskNeedData bool      `json:"if_task_need_data"`
	Data           string    `json:"data,omitempty"`
	Response       string    `json:"response"`
	Keywords       []string  `json:"keywords_used_for_search"`
	UserCreated    bool      `json:"user_created"`
	CopiedFromUser string    `json:"copied_from_user,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func promptToView(p store.Prompt, requestingUserID string) promptView {
	keywords := p.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	return promptView{
		ID:             p.ID,
		Persona:        p.Persona,
		Task:           p.Task,
		IfTaskNeedData: p.RequiresData,
		Data:           p.Data,
		Response:       p.Response,
		Keywords:       keywords,
		UserCreated:    requestingUserID != "" && p.UserID == requestingUserID,
		CopiedFromUser: p.CopiedFromUserID,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return "", false
	}
	return userID, true
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req promptCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	persona := strings.TrimSpace(req.Persona)
	task := strings.TrimSpace(req.Task)
	response := strings.TrimSpace(req.Response)
	if persona == "" || task == "" || response == "" {
		writeError(w, http.StatusBadRequest, "Persona, task, and response must be provided.")
		return
	}
	data := strings.TrimSpace(req.Data)
	if req.IfTaskNeedData && data == "" {
		writeError(w, http.StatusBadRequest, "Data is required when if_task_need_data is true.")
		return
	}

	created, err := s.store.CreatePrompt(r.Context(), store.Prompt{
		UserID:       userID,
		Persona:      persona,
		Task:         task,
		RequiresData: req.IfTaskNeedData,
		Data:         data,
		Response:     response,
		Keywords:     store.NormalizeKeywords(req.Keywords),
	})
	if err != nil {
		log.Error("create prompt", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "Prompt created successfully",
		"prompt_id": created.ID,
	})
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var ownedBy *bool
	if raw := r.URL.Query().Get("user_created"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_created must be a boolean")
			return
		}
		ownedBy = &v
	}

	prompts, err := s.store.ListPrompts(r.Context(), userID, ownedBy)
	if err != nil {
		log.Error("list prompts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list prompts")
		return
	}

	filters := store.NormalizeKeywords(strings.Split(r.URL.Query().Get("keywords"), ","))
	out := make([]promptView, 0, len(prompts))
	for _, p := range prompts {
		view := promptToView(p, userID)
		if len(filters) > 0 && !matchesKeywords(view, filters) {
			continue
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompts": out})
}

// matchesKeywords reports whether any filter keyword appears in the
// prompt's persona, task, or search keywords.
func matchesKeywords(view promptView, filters []string) bool {
	haystack := strings.ToLower(view.Persona + " " + view.Task + " " + strings.Join(view.Keywords, " "))
	for _, filter := range filters {
		if strings.Contains(haystack, strings.ToLower(filter)) {
			return true
		}
	}
	return false
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	p, err := s.store.GetPrompt(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Prompt not found")
			return
		}
		log.Error("get prompt", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"prompt": promptToView(p, userID)})
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req promptUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	upd := store.PromptUpdate{
		RequiresData: req.IfTaskNeedData,
	}
	if req.Persona != nil {
		v := strings.TrimSpace(*req.Persona)
		if v == "" {
			writeError(w, http.StatusBadRequest, "Persona cannot be empty.")
			return
		}
		upd.Persona = &v
	}
	if req.Task != nil {
		v := strings.TrimSpace(*req.Task)
		if v == "" {
			writeError(w, http.StatusBadRequest, "Task cannot be empty.")
			return
		}
		upd.Task = &v
	}
	if req.Response != nil {
		v := strings.TrimSpace(*req.Response)
		if v == "" {
			writeError(w, http.StatusBadRequest, "Response cannot be empty.")
			return
		}
		upd.Response = &v
	}
	if req.Data != nil {
		v := strings.TrimSpace(*req.Data)
		upd.Data = &v
	}
	if req.Keywords != nil {
		upd.Keywords = store.NormalizeKeywords(req.Keywords)
	}

	if _, err := s.store.UpdatePrompt(r.Context(), r.PathValue("id"), userID, upd); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "Prompt not found")
		case errors.Is(err, store.ErrForbidden):
			writeError(w, http.StatusForbidden, "You can only edit your own prompts.")
		default:
			log.Error("update prompt", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update prompt")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Prompt updated successfully"})
}

func (s *Server) handleDeletePrompt(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeletePrompt(r.Context(), r.PathValue("id"), userID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "Prompt not found")
		case errors.Is(err, store.ErrForbidden):
			writeError(w, http.StatusForbidden, "You can only delete your own prompts.")
		default:
			log.Error("delete prompt", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete prompt")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Prompt deleted successfully"})
}

func (s *Server) handleCopyPrompt(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req promptCopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PromptID == "" {
		writeError(w, http.StatusBadRequest, "prompt_id is required")
		return
	}

	copied, err := s.store.CopyPrompt(r.Context(), req.PromptID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Prompt not found")
			return
		}
		log.Error("copy prompt", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to copy prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":          "Prompt copied successfully",
		"prompt_id":        copied.ID,
		"copied_from_user": copied.CopiedFromUserID,
		"prompt":           promptToView(copied, userID),
	})
}

func (s *Server) handlePromptSuggestions(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.PathValue("limit"))
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "Limit must be positive.")
		return
	}

	prompts, err := s.store.ListPromptSuggestions(r.Context(), limit)
	if err != nil {
		log.Error("list prompt suggestions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list suggestions")
		return
	}
	out := make([]promptView, 0, len(prompts))
	for _, p := range prompts {
		out = append(out, promptToView(p, ""))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"suggestions": out})
}
