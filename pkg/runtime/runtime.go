// Package runtime prepares the on-disk environment the agent CLI runs
// in: the directory tree, shared instruction docs, the pinned CLI
// installation, and per-session home/workspace directories.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/coderelay/coderelay/pkg/config"
)

// DefaultCodexVersion is installed when CODEX_VERSION is unset.
const DefaultCodexVersion = "0.56.0"

const (
	instructionsDirName = "codex_configs_md"
	versionLockName     = "codex_version.lock"
)

// State is the prepared runtime: the resolved CLI binary and the
// version it was pinned to.
type State struct {
	Binary  string
	Version string
}

// runCmdFunc executes one external command in a directory and returns
// its captured stderr. Swapped out in tests.
type runCmdFunc func(ctx context.Context, dir, name string, args ...string) (string, error)

// Initializer prepares the runtime layout. Zero value is not usable;
// construct with NewInitializer.
type Initializer struct {
	paths config.Paths
	// version is the pinned CLI version to install.
	version string
	// instructionsSrc is the repository-provided instruction docs
	// directory synced into the shared read dir; may be empty.
	instructionsSrc string

	lookPath func(string) (string, error)
	runCmd   runCmdFunc
}

// NewInitializer builds an initializer for the given layout. An empty
// version falls back to CODEX_VERSION, then the default.
func NewInitializer(paths config.Paths, version, instructionsSrc string) *Initializer {
	if version == "" {
		version = os.Getenv("CODEX_VERSION")
	}
	if version == "" {
		version = DefaultCodexVersion
	}
	return &Initializer{
		paths:           paths,
		version:         version,
		instructionsSrc: instructionsSrc,
		lookPath:        exec.LookPath,
		runCmd:          runCommand,
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stderr.String()), err
}

// Prepare ensures directories, shared instruction docs, and the CLI
// installation, and resolves the binary path.
func (i *Initializer) Prepare(ctx context.Context) (State, error) {
	if err := i.ensureDirectories(); err != nil {
		return State{}, err
	}
	if err := i.syncInstructions(); err != nil {
		return State{}, err
	}
	if err := i.ensureInstall(ctx); err != nil {
		return State{}, err
	}
	binary, err := i.resolveBinary()
	if err != nil {
		return State{}, err
	}
	return State{Binary: binary, Version: i.version}, nil
}

func (i *Initializer) ensureDirectories() error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{i.paths.RuntimeRoot, 0o755},
		{i.paths.BinDir, 0o755},
		{i.paths.DataRoot, 0o755},
		{i.paths.GlobalConfigDir, 0o755},
		{i.paths.ReadDir, 0o755},
		{i.paths.SessionsRoot, 0o700},
		{i.paths.TmpDir, 0o755},
		{i.paths.DatabaseDir, 0o755},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.mode); err != nil {
			return fmt.Errorf("create %s: %w", d.path, err)
		}
		// chmod may fail on restricted filesystems; best effort.
		_ = os.Chmod(d.path, d.mode)
	}
	return nil
}

// syncInstructions mirrors the repository-provided instruction docs
// into the shared read dir so every session sees the same copy.
func (i *Initializer) syncInstructions() error {
	if i.instructionsSrc == "" {
		return nil
	}
	if _, err := os.Stat(i.instructionsSrc); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat instruction docs: %w", err)
	}

	dest := filepath.Join(i.paths.ReadDir, instructionsDirName)
	if isFilesystemRoot(dest) || pathsOverlap(i.instructionsSrc, dest) {
		return fmt.Errorf("refusing to sync instruction docs into %s", dest)
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear %s: %w", dest, err)
	}
	if err := os.CopyFS(dest, os.DirFS(i.instructionsSrc)); err != nil {
		return fmt.Errorf("sync instruction docs: %w", err)
	}
	return nil
}

func (i *Initializer) installedBinary() string {
	return filepath.Join(i.paths.RuntimeRoot, "node_modules", ".bin", "codex")
}

func (i *Initializer) lockPath() string {
	return filepath.Join(i.paths.GlobalConfigDir, versionLockName)
}

func (i *Initializer) lockedVersion() string {
	data, err := os.ReadFile(i.lockPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ensureInstall installs the CLI at the pinned version via npm unless
// the existing installation already matches the version lock.
func (i *Initializer) ensureInstall(ctx context.Context) error {
	binary := i.installedBinary()
	if _, err := os.Stat(binary); err == nil && i.lockedVersion() == i.version {
		return i.ensureSymlink(binary)
	}

	npm, err := i.lookPath("npm")
	if err != nil {
		return fmt.Errorf("npm is required to install the agent CLI: %w", err)
	}

	stderr, err := i.runCmd(ctx, i.paths.RuntimeRoot, npm,
		"install", "@openai/codex@"+i.version, "--no-save")
	if err != nil {
		return fmt.Errorf("install agent CLI %s: %w: %s", i.version, err, stderr)
	}

	if _, err := os.Stat(binary); err != nil {
		return fmt.Errorf("agent CLI binary expected at %s after installation: %w", binary, err)
	}
	if err := i.ensureSymlink(binary); err != nil {
		return err
	}
	if err := os.WriteFile(i.lockPath(), []byte(i.version+"\n"), 0o644); err != nil {
		return fmt.Errorf("write version lock: %w", err)
	}
	return nil
}

func (i *Initializer) ensureSymlink(binary string) error {
	if err := os.MkdirAll(i.paths.BinDir, 0o755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}
	target := filepath.Join(i.paths.BinDir, "codex")
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replace %s: %w", target, err)
	}
	if err := os.Symlink(binary, target); err != nil {
		return fmt.Errorf("link agent CLI: %w", err)
	}
	return nil
}

func (i *Initializer) resolveBinary() (string, error) {
	binary := filepath.Join(i.paths.BinDir, "codex")
	info, err := os.Stat(binary)
	if err != nil {
		return "", fmt.Errorf("agent CLI binary expected at %s: %w", binary, err)
	}
	if info.Mode()&0o100 == 0 {
		_ = os.Chmod(binary, info.Mode()|0o100)
	}
	return binary, nil
}

// isFilesystemRoot reports whether path points to a filesystem root
// (POSIX or a Windows volume root).
func isFilesystemRoot(path string) bool {
	clean := filepath.Clean(path)
	if clean == string(filepath.Separator) {
		return true
	}
	volume := filepath.VolumeName(clean)
	return volume != "" && clean == volume+string(filepath.Separator)
}

// pathsOverlap reports whether one path equals or contains the other.
func pathsOverlap(a, b string) bool {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		rel, err := filepath.Rel(pair[0], pair[1])
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}
