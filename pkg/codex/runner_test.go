package codex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testRunner(binary string) *Runner {
	return &Runner{
		Binary:       binary,
		ModelAlias:   "internal-gateway",
		GatewayURL:   "http://127.0.0.1:8000",
		StaticAPIKey: "internal-static-key",
		DataReadDir:  "/srv/data/read",
	}
}

// writeScript installs an executable shell script the stream tests
// spawn in place of the real CLI. The script ignores its arguments.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-codex")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func collectEvents(t *testing.T, s *Stream) []RawEvent {
	t.Helper()
	var events []RawEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func TestParseJSONFlags(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{name: "empty defaults to json", raw: "", want: []string{"--json"}},
		{name: "whitespace only defaults", raw: "   ", want: []string{"--json"}},
		{name: "single flag", raw: "--experimental-json", want: []string{"--experimental-json"}},
		{name: "multiple flags", raw: "--json --color never", want: []string{"--json", "--color", "never"}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseJSONFlags(tc.raw); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseJSONFlags(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestBuildArgsFreshTurn(t *testing.T) {
	r := testRunner("codex")
	args := r.buildArgs(Invocation{
		Prompt: "hello",
		Paths:  SessionPaths{WorkspaceDir: "/ws/s1"},
	})
	want := []string{
		"exec", "--json",
		"--dangerously-bypass-approvals-and-sandbox",
		"--model", "internal-gateway",
		"--cd", "/ws/s1",
		"--skip-git-repo-check",
		"hello",
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

func TestBuildArgsResume(t *testing.T) {
	r := testRunner("codex")
	r.JSONFlags = []string{"--experimental-json"}
	args := r.buildArgs(Invocation{
		Prompt:   "continue",
		ThreadID: "t-42",
		Paths:    SessionPaths{WorkspaceDir: "/ws/s1"},
	})
	want := []string{
		"exec", "--experimental-json",
		"--dangerously-bypass-approvals-and-sandbox",
		"--model", "internal-gateway",
		"--cd", "/ws/s1",
		"--skip-git-repo-check",
		"resume", "t-42", "continue",
	}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
}

// lastEnvValue mirrors how the OS resolves duplicate entries: the last
// occurrence wins.
func lastEnvValue(env []string, key string) (string, bool) {
	prefix := key + "="
	val, found := "", false
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			val, found = strings.TrimPrefix(entry, prefix), true
		}
	}
	return val, found
}

func TestBuildEnv(t *testing.T) {
	r := testRunner("codex")
	env := r.buildEnv(Invocation{
		SessionID: "sess-1",
		Paths:     SessionPaths{HomeDir: "/home/s1", WorkspaceDir: "/ws/s1"},
	})

	checks := map[string]string{
		"CODEX_HOME":      "/home/s1",
		"OPENAI_BASE_URL": "http://127.0.0.1:8000",
		"CODEX_API_KEY":   "internal-static-key",
		"LLM_SESSION_ID":  "sess-1",
		"DATA_READ_DIR":   "/srv/data/read",
		"DATA_WRITE_DIR":  "/ws/s1",
	}
	for key, want := range checks {
		got, ok := lastEnvValue(env, key)
		if !ok {
			t.Fatalf("missing %s", key)
		}
		if got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestBuildEnvExtraEnvWins(t *testing.T) {
	r := testRunner("codex")
	env := r.buildEnv(Invocation{
		SessionID: "sess-1",
		Paths:     SessionPaths{HomeDir: "/home/s1", WorkspaceDir: "/ws/s1"},
		ExtraEnv:  map[string]string{"OPENAI_BASE_URL": "http://override:9000"},
	})
	got, _ := lastEnvValue(env, "OPENAI_BASE_URL")
	if got != "http://override:9000" {
		t.Fatalf("OPENAI_BASE_URL = %q, want override", got)
	}
}

func TestStreamEvents(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"thread.started","thread_id":"t1"}'
echo ''
echo '{"type":"event_msg","payload":{"type":"agent_message","message":"hi"}}'
`)
	s, err := testRunner(script).Start(context.Background(), Invocation{Prompt: "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectEvents(t, s)
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (blank lines skipped)", len(events))
	}
	if events[0].Type != "thread.started" || events[0].ThreadID != "t1" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Type != "event_msg" || events[1].Payload == nil || strOr(events[1].Payload.Message) != "hi" {
		t.Errorf("second event = %+v", events[1])
	}
}

func TestStreamDecodeErrorStopsStream(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"thread.started","thread_id":"t1"}'
echo 'not json at all'
echo '{"type":"event_msg","payload":{"type":"agent_message","message":"never seen"}}'
`)
	s, err := testRunner(script).Start(context.Background(), Invocation{Prompt: "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	events := collectEvents(t, s)
	waitErr := s.Wait()

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 before the bad line", len(events))
	}
	var decodeErr *DecodeError
	if !errors.As(waitErr, &decodeErr) {
		t.Fatalf("Wait returned %v, want DecodeError", waitErr)
	}
	if decodeErr.Line != "not json at all" {
		t.Errorf("DecodeError.Line = %q", decodeErr.Line)
	}
}

func TestStreamInvocationError(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"thread.started","thread_id":"t1"}'
echo 'boom' >&2
exit 3
`)
	s, err := testRunner(script).Start(context.Background(), Invocation{Prompt: "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	collectEvents(t, s)
	waitErr := s.Wait()

	var invErr *InvocationError
	if !errors.As(waitErr, &invErr) {
		t.Fatalf("Wait returned %v, want InvocationError", waitErr)
	}
	if invErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", invErr.ExitCode)
	}
	if !strings.Contains(invErr.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain boom", invErr.Stderr)
	}
}

func TestStreamAbort(t *testing.T) {
	script := writeScript(t, `
echo '{"type":"thread.started","thread_id":"t1"}'
sleep 30
`)
	s, err := testRunner(script).Start(context.Background(), Invocation{Prompt: "p"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case ev := <-s.Events():
		if ev.Type != "thread.started" {
			t.Fatalf("first event = %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for first event")
	}

	start := time.Now()
	s.Abort()
	waitErr := s.Wait()
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Wait took %v after Abort", elapsed)
	}
	if !errors.Is(waitErr, context.Canceled) {
		t.Fatalf("Wait returned %v, want context.Canceled", waitErr)
	}
}

func TestStartMissingBinary(t *testing.T) {
	r := testRunner(filepath.Join(t.TempDir(), "does-not-exist"))
	_, err := r.Start(context.Background(), Invocation{Prompt: "p"})
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start returned %v, want SpawnError", err)
	}
}
