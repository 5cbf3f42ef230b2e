package store

import "time"

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatSession is one persistent conversation bound to a user and an
// upstream LLM session.
type ChatSession struct {
	ID            string
	UserID        string
	LLMSessionID  string
	BackendID     string
	CodexThreadID string
	CodexHome     string
	WorkspaceDir  string
	Title         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChatSessionSummary is a listing row with message aggregates.
type ChatSessionSummary struct {
	ID                  string
	Title               string
	BackendID           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	FirstMessagePreview string
	MessageCount        int
}

// Message is one append-only chat log entry.
type Message struct {
	ID            int64
	ChatSessionID string
	Role          Role
	Content       string
	CreatedAt     time.Time
}

// Prompt is a user-authored reusable prompt snippet.
type Prompt struct {
	ID                 string
	UserID             string
	Persona            string
	Task               string
	RequiresData       bool
	Data               string
	Response           string
	Keywords           []string
	CopiedFromPromptID string
	CopiedFromUserID   string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
