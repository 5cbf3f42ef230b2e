package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/coderelay/coderelay/pkg/chat"
	"github.com/coderelay/coderelay/pkg/codex"
	"github.com/coderelay/coderelay/pkg/config"
	"github.com/coderelay/coderelay/pkg/gateway"
	"github.com/coderelay/coderelay/pkg/store"
)

type stubBackends struct{}

func (stubBackends) Resolve(string) (*gateway.Client, error) {
	return &gateway.Client{ID: "backend-a", Model: "gpt-test"}, nil
}

// stubStarter replays a canned event stream for every turn and keeps
// the last invocation it was handed.
type stubStarter struct {
	lines []string

	mu      sync.Mutex
	lastInv codex.Invocation
}

func (s *stubStarter) lastInvocation() codex.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInv
}

func (s *stubStarter) StartTurn(_ context.Context, inv codex.Invocation) (chat.TurnStream, error) {
	s.mu.Lock()
	s.lastInv = inv
	s.mu.Unlock()
	ch := make(chan codex.RawEvent, len(s.lines))
	for _, line := range s.lines {
		var ev codex.RawEvent
		if err := json.Unmarshal([]byte(line), &ev); err == nil {
			ch <- ev
		}
	}
	close(ch)
	return &stubStream{ch: ch}, nil
}

type stubStream struct {
	ch chan codex.RawEvent
}

func (s *stubStream) Events() <-chan codex.RawEvent { return s.ch }
func (s *stubStream) Abort()                        {}
func (s *stubStream) Wait() error                   { return nil }

func newTestServer(t *testing.T, starter chat.TurnStarter) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "chat.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if starter == nil {
		starter = &stubStarter{}
	}
	srv, err := NewServer(Options{
		Config: &config.Config{
			ListenAddr:     ":0",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Store:    st,
		Backends: stubBackends{},
		Starter:  starter,
		EnsurePaths: func(userID, sessionID string) (codex.SessionPaths, error) {
			base := filepath.Join(t.TempDir(), userID, sessionID)
			return codex.SessionPaths{
				HomeDir:      filepath.Join(base, "CODEX_HOME"),
				WorkspaceDir: filepath.Join(base, "workspace"),
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, st
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, srv *Server, userID string) string {
	t.Helper()
	rec := doRequest(t, srv, http.MethodPost, "/sessions",
		`{"user_id":"`+userID+`","llm_session_id":"llm-1","title":"demo"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create session status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		ChatSessionID string `json:"chat_session_id"`
		Model         string `json:"model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if resp.ChatSessionID == "" {
		t.Fatal("empty chat_session_id")
	}
	if resp.Model != "backend-a" {
		t.Errorf("model = %q, want backend-a", resp.Model)
	}
	return resp.ChatSessionID
}

func TestCreateAndListSessions(t *testing.T) {
	srv, st := newTestServer(t, nil)
	sessionID := createSession(t, srv, "user-1")

	if _, err := st.AppendMessage(context.Background(), sessionID, store.RoleUser, "first question"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/sessions?user_id=user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var resp struct {
		Sessions []struct {
			ID                  string `json:"id"`
			BackendID           string `json:"backend_id"`
			FirstMessagePreview string `json:"first_message_preview"`
			MessageCount        int    `json:"message_count"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(resp.Sessions) != 1 {
		t.Fatalf("sessions = %+v, want 1", resp.Sessions)
	}
	got := resp.Sessions[0]
	if got.ID != sessionID || got.MessageCount != 1 || got.FirstMessagePreview != "first question" {
		t.Errorf("summary = %+v", got)
	}
}

func TestListMessagesRequiresOwnership(t *testing.T) {
	srv, st := newTestServer(t, nil)
	sessionID := createSession(t, srv, "user-1")
	if _, err := st.AppendMessage(context.Background(), sessionID, store.RoleUser, "hi"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	rec := doRequest(t, srv, http.MethodGet, "/sessions/"+sessionID+"/messages?user_id=user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner status = %d", rec.Code)
	}
	var resp struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Content != "hi" {
		t.Errorf("messages = %+v", resp.Messages)
	}

	rec = doRequest(t, srv, http.MethodGet, "/sessions/"+sessionID+"/messages?user_id=intruder", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("intruder status = %d, want 404", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q for unlisted origin", got)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := doRequest(t, srv, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
