package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coderelay/coderelay/pkg/codex"
	"github.com/coderelay/coderelay/pkg/config"
)

// sessionConfigTOML is written into every session home so the CLI
// emits detailed reasoning the chat pipeline can stream.
var sessionConfigTOML = strings.Join([]string{
	`model_reasoning_summary = "detailed"`,
	`model_reasoning_effort = "medium"`,
	"hide_agent_reasoning = false",
	"show_raw_agent_reasoning = true",
}, "\n") + "\n"

// EnsureSessionPaths provisions the per-session directory pair under
// the sessions root: a private CLI home with its config file and a
// workspace with the shared instruction docs linked in. Idempotent.
func EnsureSessionPaths(paths config.Paths, userID, sessionID string) (codex.SessionPaths, error) {
	base := filepath.Join(paths.SessionsRoot, userID, sessionID)
	homeDir := filepath.Join(base, "CODEX_HOME")
	workspaceDir := filepath.Join(base, "workspace")

	for _, dir := range []string{base, homeDir, workspaceDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return codex.SessionPaths{}, fmt.Errorf("create session dir %s: %w", dir, err)
		}
		_ = os.Chmod(dir, 0o700)
	}

	if err := linkInstructions(paths, workspaceDir); err != nil {
		return codex.SessionPaths{}, err
	}

	configPath := filepath.Join(homeDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(sessionConfigTOML), 0o600); err != nil {
		return codex.SessionPaths{}, fmt.Errorf("write session config: %w", err)
	}

	return codex.SessionPaths{HomeDir: homeDir, WorkspaceDir: workspaceDir}, nil
}

// linkInstructions exposes the shared instruction docs inside the
// workspace, preferring a symlink and falling back to a copy.
func linkInstructions(paths config.Paths, workspaceDir string) error {
	src := filepath.Join(paths.ReadDir, instructionsDirName)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat instruction docs: %w", err)
	}

	dest := filepath.Join(workspaceDir, instructionsDirName)
	if _, err := os.Lstat(dest); err == nil {
		return nil
	}
	if err := os.Symlink(src, dest); err != nil {
		if copyErr := os.CopyFS(dest, os.DirFS(src)); copyErr != nil {
			return fmt.Errorf("link instruction docs: %w", copyErr)
		}
	}
	return nil
}
