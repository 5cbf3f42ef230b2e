package runtime

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coderelay/coderelay/pkg/config"
)

func testPaths(t *testing.T) config.Paths {
	t.Helper()
	root := t.TempDir()
	return config.Paths{
		RuntimeRoot:     filepath.Join(root, "runtime"),
		BinDir:          filepath.Join(root, "runtime", "bin"),
		DataRoot:        filepath.Join(root, "data"),
		GlobalConfigDir: filepath.Join(root, "data", "config"),
		ReadDir:         filepath.Join(root, "data", "read"),
		SessionsRoot:    filepath.Join(root, "data", "sessions"),
		TmpDir:          filepath.Join(root, "data", "tmp"),
		DatabaseDir:     filepath.Join(root, "db"),
		DatabasePath:    filepath.Join(root, "db", "app.db"),
	}
}

// fakeInstall drops a fake CLI binary where npm install would.
func fakeInstall(t *testing.T, paths config.Paths) func(ctx context.Context, dir, name string, args ...string) (string, error) {
	t.Helper()
	return func(ctx context.Context, dir, name string, args ...string) (string, error) {
		binDir := filepath.Join(paths.RuntimeRoot, "node_modules", ".bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			return "", err
		}
		return "", os.WriteFile(filepath.Join(binDir, "codex"), []byte("#!/bin/sh\n"), 0o755)
	}
}

func newTestInitializer(t *testing.T, paths config.Paths, version string) (*Initializer, *int) {
	t.Helper()
	i := NewInitializer(paths, version, "")
	installs := 0
	realInstall := fakeInstall(t, paths)
	i.lookPath = func(string) (string, error) { return "/usr/bin/npm", nil }
	i.runCmd = func(ctx context.Context, dir, name string, args ...string) (string, error) {
		installs++
		return realInstall(ctx, dir, name, args...)
	}
	return i, &installs
}

func TestPrepareCreatesLayoutAndInstalls(t *testing.T) {
	paths := testPaths(t)
	init, installs := newTestInitializer(t, paths, "0.56.0")

	state, err := init.Prepare(context.Background())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if *installs != 1 {
		t.Errorf("ran %d installs, want 1", *installs)
	}
	if state.Version != "0.56.0" {
		t.Errorf("version = %q", state.Version)
	}
	if state.Binary != filepath.Join(paths.BinDir, "codex") {
		t.Errorf("binary = %q", state.Binary)
	}

	for _, dir := range []string{paths.RuntimeRoot, paths.ReadDir, paths.SessionsRoot, paths.DatabaseDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("missing dir %s: %v", dir, err)
		}
	}
	info, err := os.Stat(paths.SessionsRoot)
	if err != nil {
		t.Fatalf("stat sessions root: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o700 {
		t.Errorf("sessions root mode = %o, want 700", got)
	}

	lock, err := os.ReadFile(filepath.Join(paths.GlobalConfigDir, "codex_version.lock"))
	if err != nil {
		t.Fatalf("read version lock: %v", err)
	}
	if got := string(lock); got != "0.56.0\n" {
		t.Errorf("lock = %q", got)
	}
}

func TestPrepareSkipsInstallWhenVersionLocked(t *testing.T) {
	paths := testPaths(t)
	init, installs := newTestInitializer(t, paths, "0.56.0")

	if _, err := init.Prepare(context.Background()); err != nil {
		t.Fatalf("first Prepare: %v", err)
	}
	if _, err := init.Prepare(context.Background()); err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if *installs != 1 {
		t.Errorf("ran %d installs, want 1 (second run must reuse the lock)", *installs)
	}
}

func TestPrepareReinstallsOnVersionChange(t *testing.T) {
	paths := testPaths(t)
	first, installs := newTestInitializer(t, paths, "0.56.0")
	if _, err := first.Prepare(context.Background()); err != nil {
		t.Fatalf("first Prepare: %v", err)
	}

	second, installs2 := newTestInitializer(t, paths, "0.57.0")
	state, err := second.Prepare(context.Background())
	if err != nil {
		t.Fatalf("second Prepare: %v", err)
	}
	if *installs != 1 || *installs2 != 1 {
		t.Errorf("installs = %d/%d, want 1/1", *installs, *installs2)
	}
	if state.Version != "0.57.0" {
		t.Errorf("version = %q", state.Version)
	}
}

func TestPrepareSyncsInstructionDocs(t *testing.T) {
	paths := testPaths(t)
	src := filepath.Join(t.TempDir(), "codex_configs_md")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "AGENTS.md"), []byte("guidance\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	init := NewInitializer(paths, "0.56.0", src)
	realInstall := fakeInstall(t, paths)
	init.lookPath = func(string) (string, error) { return "/usr/bin/npm", nil }
	init.runCmd = realInstall

	if _, err := init.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	synced := filepath.Join(paths.ReadDir, "codex_configs_md", "AGENTS.md")
	data, err := os.ReadFile(synced)
	if err != nil {
		t.Fatalf("read synced doc: %v", err)
	}
	if string(data) != "guidance\n" {
		t.Errorf("synced doc = %q", data)
	}
}

func TestEnsureSessionPaths(t *testing.T) {
	paths := testPaths(t)
	init, _ := newTestInitializer(t, paths, "0.56.0")
	if _, err := init.Prepare(context.Background()); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	sp, err := EnsureSessionPaths(paths, "user-1", "sess-1")
	if err != nil {
		t.Fatalf("EnsureSessionPaths: %v", err)
	}
	if sp.HomeDir != filepath.Join(paths.SessionsRoot, "user-1", "sess-1", "CODEX_HOME") {
		t.Errorf("home = %q", sp.HomeDir)
	}
	if sp.WorkspaceDir != filepath.Join(paths.SessionsRoot, "user-1", "sess-1", "workspace") {
		t.Errorf("workspace = %q", sp.WorkspaceDir)
	}

	data, err := os.ReadFile(filepath.Join(sp.HomeDir, "config.toml"))
	if err != nil {
		t.Fatalf("read session config: %v", err)
	}
	for _, want := range []string{"model_reasoning_summary", "show_raw_agent_reasoning = true"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("session config missing %q:\n%s", want, data)
		}
	}

	// Idempotent.
	again, err := EnsureSessionPaths(paths, "user-1", "sess-1")
	if err != nil {
		t.Fatalf("second EnsureSessionPaths: %v", err)
	}
	if again != sp {
		t.Errorf("second call = %+v, want %+v", again, sp)
	}
}

func TestEnsureSessionPathsLinksInstructions(t *testing.T) {
	paths := testPaths(t)
	docs := filepath.Join(paths.ReadDir, "codex_configs_md")
	if err := os.MkdirAll(docs, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(docs, "AGENTS.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	sp, err := EnsureSessionPaths(paths, "u", "s")
	if err != nil {
		t.Fatalf("EnsureSessionPaths: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sp.WorkspaceDir, "codex_configs_md", "AGENTS.md")); err != nil {
		t.Errorf("instruction docs not reachable from workspace: %v", err)
	}
}

func TestPathsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"/data/read", "/data/read", true},
		{"/data/read", "/data/read/docs", true},
		{"/data/read/docs", "/data/read", true},
		{"/data/read", "/data/write", false},
		{"/data/read", "/data/readonly", false},
	}
	for _, tc := range cases {
		if got := pathsOverlap(tc.a, tc.b); got != tc.want {
			t.Errorf("pathsOverlap(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestSyncRefusesOverlappingSource(t *testing.T) {
	paths := testPaths(t)
	init, _ := newTestInitializer(t, paths, "0.56.0")
	init.instructionsSrc = paths.ReadDir

	if _, err := init.Prepare(context.Background()); err == nil {
		t.Fatal("expected error syncing docs from inside the read dir")
	}
}
