package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// BackendType identifies how a gateway backend is reached.
type BackendType string

const (
	BackendOpenAICompatible BackendType = "openai-compatible"
	BackendAzure            BackendType = "azure"
)

// Backend describes one upstream completion provider the gateway can
// forward to.
type Backend struct {
	ID            string      `yaml:"id"`
	Type          BackendType `yaml:"type"`
	Model         string      `yaml:"model"`
	BaseURL       string      `yaml:"base_url"`
	APIKeyEnv     string      `yaml:"api_key_env"`
	AzureEndpoint string      `yaml:"azure_endpoint"`
	APIVersion    string      `yaml:"api_version"`
}

// GatewayConfig is the parsed llm_backends.yaml.
type GatewayConfig struct {
	Backends       []Backend `yaml:"backends"`
	DefaultBackend string    `yaml:"default_backend"`
}

// Lookup returns the backend with the given id.
func (g *GatewayConfig) Lookup(id string) (Backend, bool) {
	for _, b := range g.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return Backend{}, false
}

// LoadGatewayConfig reads and validates llm_backends.yaml from the
// global config directory.
func LoadGatewayConfig(paths Paths) (*GatewayConfig, error) {
	path := filepath.Join(paths.GlobalConfigDir, "llm_backends.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway config %s: %w", path, err)
	}
	return ParseGatewayConfig(data)
}

// ParseGatewayConfig parses and validates gateway backend YAML.
func ParseGatewayConfig(data []byte) (*GatewayConfig, error) {
	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse gateway config: %w", err)
	}
	if len(cfg.Backends) == 0 {
		return nil, fmt.Errorf("gateway config must contain a non-empty backends list")
	}
	for i, b := range cfg.Backends {
		if b.ID == "" || b.Type == "" {
			return nil, fmt.Errorf("backend entry %d requires id and type", i)
		}
		if b.Model == "" {
			return nil, fmt.Errorf("backend %q is missing required model", b.ID)
		}
		switch b.Type {
		case BackendOpenAICompatible:
			if b.BaseURL == "" || b.APIKeyEnv == "" {
				return nil, fmt.Errorf("backend %q requires base_url and api_key_env", b.ID)
			}
		case BackendAzure:
			if b.AzureEndpoint == "" || b.APIVersion == "" || b.APIKeyEnv == "" {
				return nil, fmt.Errorf("backend %q requires azure_endpoint, api_version, and api_key_env", b.ID)
			}
		default:
			return nil, fmt.Errorf("backend %q has unknown type %q", b.ID, b.Type)
		}
	}
	if _, ok := cfg.Lookup(cfg.DefaultBackend); !ok {
		return nil, fmt.Errorf("default_backend %q does not match any backend", cfg.DefaultBackend)
	}
	return &cfg, nil
}
