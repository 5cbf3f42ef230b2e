// Package store persists chat sessions, the append-only message log,
// and user prompts in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a row exists but belongs to another user.
	ErrForbidden = errors.New("forbidden")
)

// Store wraps the SQLite database. Writes are serialized through a
// single connection; sessions are independent rows so no extra locking
// is needed above the database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and applies
// schema migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// EnsureUser inserts the user row if it does not exist yet.
func (s *Store) EnsureUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users(id, created_at) VALUES (?, ?)
ON CONFLICT(id) DO NOTHING
`, userID, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// EnsureLLMSession inserts the upstream LLM session row if absent.
func (s *Store) EnsureLLMSession(ctx context.Context, id, userID, backendID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO llm_sessions(id, user_id, backend_id, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, id, userID, backendID, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("ensure llm session: %w", err)
	}
	return nil
}

// CreateChatSession inserts a new chat session row.
func (s *Store) CreateChatSession(ctx context.Context, cs ChatSession) (ChatSession, error) {
	now := time.Now()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = now
	}
	var threadID, title, llmSessionID any
	if cs.CodexThreadID != "" {
		threadID = cs.CodexThreadID
	}
	if cs.Title != "" {
		title = cs.Title
	}
	if cs.LLMSessionID != "" {
		llmSessionID = cs.LLMSessionID
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_sessions(id, user_id, llm_session_id, backend_id, codex_thread_id, codex_home, workspace_dir, title, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, cs.ID, cs.UserID, llmSessionID, cs.BackendID, threadID, cs.CodexHome, cs.WorkspaceDir, title, ts(cs.CreatedAt), ts(cs.UpdatedAt))
	if err != nil {
		return ChatSession{}, fmt.Errorf("create chat session: %w", err)
	}
	return cs, nil
}

// GetChatSession returns the chat session row by id.
func (s *Store) GetChatSession(ctx context.Context, id string) (ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, COALESCE(llm_session_id, ''), backend_id, COALESCE(codex_thread_id, ''), codex_home, workspace_dir, COALESCE(title, ''), created_at, updated_at
FROM chat_sessions WHERE id = ?
`, id)

	var cs ChatSession
	var createdAt, updatedAt string
	err := row.Scan(&cs.ID, &cs.UserID, &cs.LLMSessionID, &cs.BackendID, &cs.CodexThreadID, &cs.CodexHome, &cs.WorkspaceDir, &cs.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, fmt.Errorf("get chat session: %w", err)
	}
	cs.CreatedAt = parseTS(createdAt)
	cs.UpdatedAt = parseTS(updatedAt)
	return cs, nil
}

// GetChatSessionForUser returns the session only when it belongs to userID.
func (s *Store) GetChatSessionForUser(ctx context.Context, id, userID string) (ChatSession, error) {
	cs, err := s.GetChatSession(ctx, id)
	if err != nil {
		return ChatSession{}, err
	}
	if cs.UserID != userID {
		return ChatSession{}, ErrForbidden
	}
	return cs, nil
}

// ListChatSessions returns the user's sessions newest-updated first,
// each with its message count and first user-message preview.
func (s *Store) ListChatSessions(ctx context.Context, userID string) ([]ChatSessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT cs.id, COALESCE(cs.title, ''), cs.backend_id, cs.created_at, cs.updated_at,
	(SELECT COUNT(*) FROM messages m WHERE m.chat_session_id = cs.id),
	COALESCE((SELECT m.content FROM messages m WHERE m.chat_session_id = cs.id AND m.role = 'user' ORDER BY m.created_at ASC, m.id ASC LIMIT 1), '')
FROM chat_sessions cs
WHERE cs.user_id = ?
ORDER BY cs.updated_at DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	var out []ChatSessionSummary
	for rows.Next() {
		var sum ChatSessionSummary
		var createdAt, updatedAt string
		if err := rows.Scan(&sum.ID, &sum.Title, &sum.BackendID, &createdAt, &updatedAt, &sum.MessageCount, &sum.FirstMessagePreview); err != nil {
			return nil, fmt.Errorf("scan chat session summary: %w", err)
		}
		sum.CreatedAt = parseTS(createdAt)
		sum.UpdatedAt = parseTS(updatedAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// AppendMessage appends one message to the session log and bumps the
// session's updated_at. The log is append-only: rows are never updated
// or deleted here.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role Role, content string) (Message, error) {
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages(chat_session_id, role, content, created_at) VALUES (?, ?, ?, ?)
`, sessionID, string(role), content, ts(now))
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("append message id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, ts(now), sessionID); err != nil {
		return Message{}, fmt.Errorf("touch chat session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit append: %w", err)
	}

	return Message{
		ID:            id,
		ChatSessionID: sessionID,
		Role:          role,
		Content:       content,
		CreatedAt:     now,
	}, nil
}

// ListMessages returns the session's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, chat_session_id, role, content, created_at
FROM messages WHERE chat_session_id = ?
ORDER BY created_at ASC, id ASC
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role, createdAt string
		if err := rows.Scan(&m.ID, &m.ChatSessionID, &role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = parseTS(createdAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetThreadID returns the session's upstream thread id, empty when unset.
func (s *Store) GetThreadID(ctx context.Context, sessionID string) (string, error) {
	var threadID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT codex_thread_id FROM chat_sessions WHERE id = ?`, sessionID).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get thread id: %w", err)
	}
	return strings.TrimSpace(threadID.String), nil
}

// SetThreadIDIfAbsent stores the thread id only when the session has
// none yet. First writer wins; later calls are no-ops. Returns whether
// the write happened.
func (s *Store) SetThreadIDIfAbsent(ctx context.Context, sessionID, threadID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE chat_sessions SET codex_thread_id = ?, updated_at = ?
WHERE id = ? AND (codex_thread_id IS NULL OR codex_thread_id = '')
`, threadID, ts(time.Now()), sessionID)
	if err != nil {
		return false, fmt.Errorf("set thread id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set thread id rows: %w", err)
	}
	return n > 0, nil
}
