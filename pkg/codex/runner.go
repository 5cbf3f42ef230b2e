// Package codex wraps the Codex CLI: it spawns one subprocess per
// conversational turn, streams the line-delimited JSON events the CLI
// emits, and normalizes them into canonical signals.
package codex

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// maxEventLineBytes bounds a single event line; reasoning payloads can
// get large.
const maxEventLineBytes = 10 * 1024 * 1024

// SessionPaths are the per-session directories provisioned before the
// first turn. The runner treats them as read-only configuration.
type SessionPaths struct {
	HomeDir      string
	WorkspaceDir string
}

// Invocation describes one turn of the agent. It is immutable once
// built and discarded when the turn ends.
type Invocation struct {
	Prompt    string
	SessionID string
	// ThreadID, when set, resumes an existing upstream thread.
	ThreadID string
	Paths    SessionPaths
	// ExtraEnv entries override the runner-provided environment.
	ExtraEnv map[string]string
}

// Runner holds the fixed configuration for spawning agent turns.
type Runner struct {
	Binary       string
	ModelAlias   string
	GatewayURL   string
	StaticAPIKey string
	DataReadDir  string
	// JSONFlags are the CLI flags selecting JSON event output.
	// Defaults to --json when empty.
	JSONFlags []string
}

// ParseJSONFlags splits a CODEX_JSON_FLAG-style override into flags,
// e.g. "--experimental-json" for older CLI versions.
func ParseJSONFlags(raw string) []string {
	fields := strings.Fields(raw)
	flags := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			flags = append(flags, f)
		}
	}
	if len(flags) == 0 {
		return []string{"--json"}
	}
	return flags
}

// buildArgs constructs the argument vector for one invocation. A resume
// thread id selects the resume sub-command form; otherwise the prompt
// is the trailing positional argument.
func (r *Runner) buildArgs(inv Invocation) []string {
	args := []string{"exec"}

	jsonFlags := r.JSONFlags
	if len(jsonFlags) == 0 {
		jsonFlags = []string{"--json"}
	}
	args = append(args, jsonFlags...)

	args = append(args,
		"--dangerously-bypass-approvals-and-sandbox",
		"--model", r.ModelAlias,
		"--cd", inv.Paths.WorkspaceDir,
		"--skip-git-repo-check",
	)

	if inv.ThreadID != "" {
		args = append(args, "resume", inv.ThreadID, inv.Prompt)
	} else {
		args = append(args, inv.Prompt)
	}
	return args
}

// buildEnv overlays the ambient environment with the runner's entries;
// caller-supplied ExtraEnv wins over both. Later duplicates take
// precedence when the process starts.
func (r *Runner) buildEnv(inv Invocation) []string {
	env := os.Environ()
	env = append(env,
		"CODEX_HOME="+inv.Paths.HomeDir,
		"OPENAI_BASE_URL="+r.GatewayURL,
		"CODEX_API_KEY="+r.StaticAPIKey,
		"LLM_SESSION_ID="+inv.SessionID,
		"DATA_READ_DIR="+r.DataReadDir,
		"DATA_WRITE_DIR="+inv.Paths.WorkspaceDir,
	)
	for k, v := range inv.ExtraEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// Stream is one turn's event sequence: lazy, finite, non-restartable.
// Consume Events() to exhaustion (or Abort early), then call Wait.
type Stream struct {
	events chan RawEvent
	cancel context.CancelFunc
	ctx    context.Context
	cmd    *exec.Cmd

	readerDone chan struct{}
	drainWG    sync.WaitGroup

	mu      sync.Mutex
	readErr error
	stderr  bytes.Buffer
}

// Start spawns one agent turn with both output streams piped. The
// secondary-stream drain task starts immediately so the subprocess can
// never block on a full stderr buffer.
func (r *Runner) Start(ctx context.Context, inv Invocation) (*Stream, error) {
	runCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(runCtx, r.Binary, r.buildArgs(inv)...)
	cmd.Env = r.buildEnv(inv)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Err: err}
	}

	s := &Stream{
		events:     make(chan RawEvent, 32),
		cancel:     cancel,
		ctx:        runCtx,
		cmd:        cmd,
		readerDone: make(chan struct{}),
	}

	s.drainWG.Add(1)
	go func() {
		defer s.drainWG.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := stderr.Read(buf)
			if n > 0 {
				s.mu.Lock()
				s.stderr.Write(buf[:n])
				s.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer close(s.readerDone)
		defer close(s.events)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxEventLineBytes)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var ev RawEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				s.setReadErr(&DecodeError{Line: line, Err: err})
				return
			}
			select {
			case s.events <- ev:
			case <-runCtx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && runCtx.Err() == nil {
			s.setReadErr(fmt.Errorf("read agent output: %w", err))
		}
	}()

	return s, nil
}

// Events returns the ordered event sequence. The channel closes when
// the primary stream ends, a line fails to decode, or the stream is
// aborted.
func (s *Stream) Events() <-chan RawEvent {
	return s.events
}

// Abort terminates the turn early: the subprocess is killed and the
// reader unblocked. Wait must still be called to reap everything.
func (s *Stream) Abort() {
	s.cancel()
}

// Wait reaps the turn: it joins the reader and drain tasks, waits for
// process exit, and reports the turn's failure, if any. It is safe to
// call after consuming Events partially; remaining events are
// discarded. No process or file descriptor outlives Wait.
func (s *Stream) Wait() error {
	// Unblock the reader if the consumer stopped early.
	go func() {
		for range s.events {
		}
	}()
	<-s.readerDone

	readErr := s.loadReadErr()
	ctxErr := s.ctx.Err()
	if readErr != nil {
		// The process keeps running after a decode failure; kill it
		// before reaping.
		s.cancel()
	}

	s.drainWG.Wait()
	waitErr := s.cmd.Wait()
	s.cancel()

	if readErr != nil {
		return readErr
	}
	if ctxErr != nil {
		return ctxErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return &InvocationError{ExitCode: exitErr.ExitCode(), Stderr: s.stderrText()}
		}
		return waitErr
	}
	return nil
}

func (s *Stream) setReadErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		s.readErr = err
	}
}

func (s *Stream) loadReadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

func (s *Stream) stderrText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.stderr.String())
}
