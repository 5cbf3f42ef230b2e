package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coderelay/coderelay/pkg/chat"
	"github.com/coderelay/coderelay/pkg/codex"
	"github.com/coderelay/coderelay/pkg/log"
)

const writeTimeout = 10 * time.Second

// wsTransport adapts one websocket connection to the coordinator's
// transport. Writes are serialized.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) Send(_ context.Context, msg chat.Outbound) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(msg)
}

func (s *Server) upgrader() websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(s.cfg.AllowedOrigins))
	for _, origin := range s.cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

func closePolicyViolation(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(writeTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}

// handleChat upgrades the connection and runs the per-connection
// message loop. Missing parameters or an ownership mismatch close the
// socket with a policy violation.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}

	query := r.URL.Query()
	userID := query.Get("user_id")
	sessionID := query.Get("chat_session_id")
	llmSessionID := query.Get("llm_session_id")
	if userID == "" || sessionID == "" || llmSessionID == "" {
		closePolicyViolation(conn, "missing required parameters")
		return
	}

	cs, err := s.store.GetChatSessionForUser(r.Context(), sessionID, userID)
	if err != nil {
		closePolicyViolation(conn, "session not found")
		return
	}

	coordinator := chat.New(chat.Params{
		SessionID:    cs.ID,
		UserID:       userID,
		LLMSessionID: llmSessionID,
		Paths: codex.SessionPaths{
			HomeDir:      cs.CodexHome,
			WorkspaceDir: cs.WorkspaceDir,
		},
		Store:     s.store,
		Starter:   s.starter,
		Transport: &wsTransport{conn: conn},
		Log:       log.Get(),
	})
	defer coordinator.Close()
	defer conn.Close()

	log.Info("chat connected", "chat_session_id", cs.ID, "user_id", userID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("chat disconnected", "chat_session_id", cs.ID, "error", err)
			return
		}
		coordinator.HandleInbound(r.Context(), data)
		if coordinator.State() == chat.StateClosed {
			return
		}
	}
}
