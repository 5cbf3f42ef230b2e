package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/coderelay/coderelay/pkg/codex"
	"github.com/coderelay/coderelay/pkg/store"
)

// State is the coordinator's connection lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRunningTurn
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningTurn:
		return "running_turn"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport delivers outbound frames to the connected client. A Send
// error means the client is gone; the coordinator closes the session.
type Transport interface {
	Send(ctx context.Context, msg Outbound) error
}

// MessageStore is the persistence surface one session needs.
type MessageStore interface {
	AppendMessage(ctx context.Context, sessionID string, role store.Role, content string) (store.Message, error)
	GetThreadID(ctx context.Context, sessionID string) (string, error)
	SetThreadIDIfAbsent(ctx context.Context, sessionID, threadID string) (bool, error)
}

// TurnStream is one in-flight agent turn.
type TurnStream interface {
	Events() <-chan codex.RawEvent
	Abort()
	Wait() error
}

// TurnStarter spawns agent turns.
type TurnStarter interface {
	StartTurn(ctx context.Context, inv codex.Invocation) (TurnStream, error)
}

type runnerStarter struct {
	r *codex.Runner
}

func (rs runnerStarter) StartTurn(ctx context.Context, inv codex.Invocation) (TurnStream, error) {
	s, err := rs.r.Start(ctx, inv)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewRunnerStarter adapts a codex.Runner to the TurnStarter interface.
func NewRunnerStarter(r *codex.Runner) TurnStarter {
	return runnerStarter{r: r}
}

// Params configures one coordinator instance.
type Params struct {
	SessionID string
	UserID    string
	// LLMSessionID is the upstream session identifier exported to the
	// agent subprocess; distinct from the chat session id used for
	// persistence.
	LLMSessionID string
	Paths        codex.SessionPaths
	Store        MessageStore
	Starter      TurnStarter
	Transport    Transport
	Log          *zap.SugaredLogger
}

// Coordinator runs turns for a single connection. One goroutine drives
// HandleInbound; Close may be called from any goroutine.
type Coordinator struct {
	sessionID    string
	userID       string
	llmSessionID string
	paths        codex.SessionPaths
	store        MessageStore
	starter      TurnStarter
	transport    Transport
	log          *zap.SugaredLogger

	mu      sync.Mutex
	state   State
	current TurnStream

	reasoning strings.Builder
	assistant strings.Builder
	finalized bool
}

// New builds an idle coordinator for one connection.
func New(p Params) *Coordinator {
	logger := p.Log
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{
		sessionID:    p.SessionID,
		userID:       p.UserID,
		llmSessionID: p.LLMSessionID,
		paths:        p.Paths,
		store:        p.Store,
		starter:      p.Starter,
		transport:    p.Transport,
		log:          logger.With("chat_session_id", p.SessionID),
	}
}

// State reports the current lifecycle position.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close transitions to the terminal state and aborts any in-flight
// turn. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if c.current != nil {
		c.current.Abort()
	}
}

// HandleInbound processes one client frame: a recognized user message
// runs a full turn to completion, anything else produces an error frame
// and leaves the session open.
func (c *Coordinator) HandleInbound(ctx context.Context, data []byte) {
	if c.State() == StateClosed {
		return
	}
	in, ok := decodeInbound(data)
	if !ok {
		c.sendError(ctx, "Invalid message format.")
		return
	}
	c.runTurn(ctx, in.Content)
}

func (c *Coordinator) runTurn(ctx context.Context, prompt string) {
	if !c.enterTurn() {
		return
	}
	defer c.leaveTurn()

	c.reasoning.Reset()
	c.assistant.Reset()
	c.finalized = false

	if _, err := c.store.AppendMessage(ctx, c.sessionID, store.RoleUser, prompt); err != nil {
		c.log.Errorw("persist user message", "error", err)
		c.sendError(ctx, "Failed to persist message.")
		return
	}

	threadID, err := c.store.GetThreadID(ctx, c.sessionID)
	if err != nil {
		c.log.Errorw("load thread id", "error", err)
	}

	stream, err := c.starter.StartTurn(ctx, codex.Invocation{
		Prompt:    prompt,
		SessionID: c.llmSessionID,
		ThreadID:  threadID,
		Paths:     c.paths,
	})
	if err != nil {
		c.log.Errorw("start turn", "error", err)
		c.sendError(ctx, err.Error())
		return
	}
	c.setCurrent(stream)
	defer c.setCurrent(nil)

	failed := false
	for ev := range stream.Events() {
		stop, errored := c.handleSignal(ctx, codex.Normalize(ev))
		failed = failed || errored
		if stop {
			stream.Abort()
			break
		}
	}

	waitErr := stream.Wait()
	if waitErr != nil && !failed && !errors.Is(waitErr, context.Canceled) {
		c.log.Warnw("turn failed", "error", waitErr)
		c.sendError(ctx, waitErr.Error())
	}
}

// handleSignal applies one canonical signal. It reports whether signal
// processing must stop and whether an error frame was already sent.
func (c *Coordinator) handleSignal(ctx context.Context, sig codex.Signal) (stop, errored bool) {
	switch sig.Kind {
	case codex.SignalThreadStarted:
		updated, err := c.store.SetThreadIDIfAbsent(ctx, c.sessionID, sig.ThreadID)
		if err != nil {
			c.log.Errorw("store thread id", "error", err)
		} else if updated {
			c.log.Infow("thread started", "thread_id", sig.ThreadID)
		}

	case codex.SignalReasoningDelta:
		if sig.Text == "" {
			break
		}
		c.reasoning.WriteString(sig.Text)
		return c.send(ctx, reasoningDelta(c.reasoning.String())), false

	case codex.SignalReasoningFinal:
		text := sig.Text
		if text == "" {
			text = c.reasoning.String()
		}
		if text == "" {
			break
		}
		c.reasoning.Reset()
		return c.send(ctx, reasoningFinal(text)), false

	case codex.SignalReasoningBreak:
		c.reasoning.Reset()

	case codex.SignalAssistantDelta:
		if sig.Text == "" {
			break
		}
		c.assistant.WriteString(sig.Text)
		return c.send(ctx, assistantDelta(c.assistant.String())), false

	case codex.SignalAssistantFinal:
		if c.finalized {
			break
		}
		text := sig.Text
		if text == "" {
			text = c.assistant.String()
		}
		if text == "" {
			break
		}
		c.finalized = true
		c.assistant.Reset()
		if failed := c.send(ctx, assistantFinal(text)); failed {
			return true, false
		}
		if _, err := c.store.AppendMessage(ctx, c.sessionID, store.RoleAssistant, text); err != nil {
			c.log.Errorw("persist assistant message", "error", err)
		}

	case codex.SignalTurnError:
		c.sendError(ctx, sig.Text)
		return true, true
	}
	return false, false
}

// send delivers one frame; a transport failure closes the session and
// reports stop.
func (c *Coordinator) send(ctx context.Context, msg Outbound) (failed bool) {
	if err := c.transport.Send(ctx, msg); err != nil {
		c.log.Infow("client gone", "error", err)
		c.Close()
		return true
	}
	return false
}

func (c *Coordinator) sendError(ctx context.Context, content string) {
	c.send(ctx, errorFrame(content))
}

func (c *Coordinator) enterTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return false
	}
	c.state = StateRunningTurn
	return true
}

func (c *Coordinator) leaveTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunningTurn {
		c.state = StateIdle
	}
}

func (c *Coordinator) setCurrent(s TurnStream) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}
