package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths holds the filesystem layout the service operates on. Every
// directory is resolved once at startup; call sites never consult the
// environment directly.
type Paths struct {
	RuntimeRoot     string
	BinDir          string
	DataRoot        string
	GlobalConfigDir string
	ReadDir         string
	SessionsRoot    string
	TmpDir          string
	DatabaseDir     string
	DatabasePath    string
}

// Config is the process-wide configuration.
type Config struct {
	Paths Paths

	// ModelAlias is the model identifier passed to the agent CLI; the
	// gateway resolves it to a concrete backend.
	ModelAlias string
	// GatewayURL is the base URL the agent subprocess sends completions to.
	GatewayURL string
	// StaticAPIKey is the shared credential between the agent subprocess
	// and the gateway.
	StaticAPIKey string

	ListenAddr     string
	AllowedOrigins []string
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// ResolvePaths builds the filesystem layout from the environment.
func ResolvePaths() (Paths, error) {
	runtimeRoot, err := filepath.Abs(envOr("CODEX_RUNTIME_ROOT", "/codex_runtime"))
	if err != nil {
		return Paths{}, fmt.Errorf("resolve runtime root: %w", err)
	}
	dataRoot, err := filepath.Abs(envOr("CODEX_DATA_ROOT", "/codex_data"))
	if err != nil {
		return Paths{}, fmt.Errorf("resolve data root: %w", err)
	}
	databaseDir, err := filepath.Abs(envOr("CODEX_DB_ROOT", "/db"))
	if err != nil {
		return Paths{}, fmt.Errorf("resolve database dir: %w", err)
	}

	return Paths{
		RuntimeRoot:     runtimeRoot,
		BinDir:          filepath.Join(runtimeRoot, "bin"),
		DataRoot:        dataRoot,
		GlobalConfigDir: filepath.Join(dataRoot, "global_config"),
		ReadDir:         filepath.Join(dataRoot, "read_dir"),
		SessionsRoot:    filepath.Join(dataRoot, "sessions"),
		TmpDir:          filepath.Join(dataRoot, "tmp"),
		DatabaseDir:     databaseDir,
		DatabasePath:    filepath.Join(databaseDir, "chat.sqlite"),
	}, nil
}

// Load resolves the full configuration from the environment.
func Load() (*Config, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}

	return &Config{
		Paths:          paths,
		ModelAlias:     envOr("CODEX_MODEL_ALIAS", "internal-gateway"),
		GatewayURL:     strings.TrimRight(envOr("CODEX_GATEWAY_URL", "http://127.0.0.1:8000"), "/"),
		StaticAPIKey:   envOr("CODEX_INTERNAL_API_KEY", "internal-static-key"),
		ListenAddr:     envOr("CODERELAY_LISTEN_ADDR", ":8000"),
		AllowedOrigins: splitOrigins(envOr("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}, nil
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
