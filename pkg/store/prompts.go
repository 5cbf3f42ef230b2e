package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PromptUpdate carries the mutable prompt fields; nil means unchanged.
type PromptUpdate struct {
	Persona      *string
	Task         *string
	Response     *string
	RequiresData *bool
	Data         *string
	Keywords     []string
}

// NormalizeKeywords trims, dedupes case-insensitively, and preserves
// order of the given keyword labels.
func NormalizeKeywords(raw []string) []string {
	cleaned := make([]string, 0, len(raw))
	seen := map[string]struct{}{}
	for _, item := range raw {
		label := strings.TrimSpace(item)
		if label == "" {
			continue
		}
		lower := strings.ToLower(label)
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		cleaned = append(cleaned, label)
	}
	return cleaned
}

func keywordsJSON(keywords []string) string {
	if keywords == nil {
		keywords = []string{}
	}
	data, err := json.Marshal(keywords)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func parseKeywords(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// CreatePrompt inserts a new prompt and returns it with its generated id.
func (s *Store) CreatePrompt(ctx context.Context, p Prompt) (Prompt, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Keywords = NormalizeKeywords(p.Keywords)

	var data, copiedPrompt, copiedUser any
	if p.Data != "" {
		data = p.Data
	}
	if p.CopiedFromPromptID != "" {
		copiedPrompt = p.CopiedFromPromptID
	}
	if p.CopiedFromUserID != "" {
		copiedUser = p.CopiedFromUserID
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO prompts(id, user_id, persona, task, requires_data, data, response, keywords_json, copied_from_prompt_id, copied_from_user_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, p.ID, p.UserID, p.Persona, p.Task, boolToInt(p.RequiresData), data, p.Response, keywordsJSON(p.Keywords), copiedPrompt, copiedUser, ts(now), ts(now))
	if err != nil {
		return Prompt{}, fmt.Errorf("create prompt: %w", err)
	}
	return p, nil
}

func scanPrompt(scanner interface{ Scan(dest ...any) error }) (Prompt, error) {
	var p Prompt
	var requiresData int
	var data, copiedPrompt, copiedUser sql.NullString
	var keywordsJSON, createdAt, updatedAt string
	err := scanner.Scan(&p.ID, &p.UserID, &p.Persona, &p.Task, &requiresData, &data, &p.Response, &keywordsJSON, &copiedPrompt, &copiedUser, &createdAt, &updatedAt)
	if err != nil {
		return Prompt{}, err
	}
	p.RequiresData = requiresData != 0
	p.Data = data.String
	p.CopiedFromPromptID = copiedPrompt.String
	p.CopiedFromUserID = copiedUser.String
	p.Keywords = parseKeywords(keywordsJSON)
	p.CreatedAt = parseTS(createdAt)
	p.UpdatedAt = parseTS(updatedAt)
	return p, nil
}

const promptColumns = `id, user_id, persona, task, requires_data, data, response, keywords_json, copied_from_prompt_id, copied_from_user_id, created_at, updated_at`

// GetPrompt returns the prompt by id.
func (s *Store) GetPrompt(ctx context.Context, id string) (Prompt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promptColumns+` FROM prompts WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Prompt{}, ErrNotFound
	}
	if err != nil {
		return Prompt{}, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

// ListPrompts returns prompts newest first. ownedBy filters by
// ownership relative to userID: nil for all, true for own, false for
// others'.
func (s *Store) ListPrompts(ctx context.Context, userID string, ownedBy *bool) ([]Prompt, error) {
	query := `SELECT ` + promptColumns + ` FROM prompts`
	args := []any{}
	if ownedBy != nil {
		if *ownedBy {
			query += ` WHERE user_id = ?`
		} else {
			query += ` WHERE user_id != ?`
		}
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListPromptSuggestions returns up to limit recent prompts.
func (s *Store) ListPromptSuggestions(ctx context.Context, limit int) ([]Prompt, error) {
	if limit > 50 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+promptColumns+` FROM prompts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list prompt suggestions: %w", err)
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePrompt applies the given field updates. Only the owner may update.
func (s *Store) UpdatePrompt(ctx context.Context, id, userID string, upd PromptUpdate) (Prompt, error) {
	existing, err := s.GetPrompt(ctx, id)
	if err != nil {
		return Prompt{}, err
	}
	if existing.UserID != userID {
		return Prompt{}, ErrForbidden
	}

	changed := false
	if upd.Persona != nil {
		existing.Persona = *upd.Persona
		changed = true
	}
	if upd.Task != nil {
		existing.Task = *upd.Task
		changed = true
	}
	if upd.Response != nil {
		existing.Response = *upd.Response
		changed = true
	}
	if upd.RequiresData != nil {
		existing.RequiresData = *upd.RequiresData
		changed = true
	}
	if upd.Data != nil {
		existing.Data = strings.TrimSpace(*upd.Data)
		changed = true
	}
	if upd.Keywords != nil {
		existing.Keywords = NormalizeKeywords(upd.Keywords)
		changed = true
	}
	if !changed {
		return existing, nil
	}

	existing.UpdatedAt = time.Now()
	var data any
	if existing.Data != "" {
		data = existing.Data
	}
	_, err = s.db.ExecContext(ctx, `
UPDATE prompts
SET persona = ?, task = ?, response = ?, requires_data = ?, data = ?, keywords_json = ?, updated_at = ?
WHERE id = ?
`, existing.Persona, existing.Task, existing.Response, boolToInt(existing.RequiresData), data, keywordsJSON(existing.Keywords), ts(existing.UpdatedAt), id)
	if err != nil {
		return Prompt{}, fmt.Errorf("update prompt: %w", err)
	}
	return existing, nil
}

// DeletePrompt removes a prompt. Only the owner may delete.
func (s *Store) DeletePrompt(ctx context.Context, id, userID string) error {
	existing, err := s.GetPrompt(ctx, id)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	return nil
}

// CopyPrompt duplicates a prompt into the receiving user's collection,
// recording the provenance of the copy.
func (s *Store) CopyPrompt(ctx context.Context, sourceID, userID string) (Prompt, error) {
	source, err := s.GetPrompt(ctx, sourceID)
	if err != nil {
		return Prompt{}, err
	}

	copied := Prompt{
		UserID:             userID,
		Persona:            source.Persona,
		Task:               source.Task,
		RequiresData:       source.RequiresData,
		Data:               source.Data,
		Response:           source.Response,
		Keywords:           source.Keywords,
		CopiedFromPromptID: source.ID,
		CopiedFromUserID:   source.UserID,
	}
	return s.CreatePrompt(ctx, copied)
}
