// Package gateway is the OpenAI-compatible completion proxy the agent
// CLI talks to. It maps model aliases to configured upstream backends
// and exposes both the chat-completions and responses surfaces.
package gateway

import (
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/coderelay/coderelay/pkg/config"
)

// Client is one configured upstream backend.
type Client struct {
	ID    string
	Model string
	API   *openai.Client
}

// Registry resolves model aliases to backend clients.
type Registry struct {
	clients        map[string]*Client
	defaultBackend string
}

// NewRegistry builds one client per configured backend. API keys come
// from the environment variables the config names.
func NewRegistry(cfg *config.GatewayConfig) (*Registry, error) {
	clients := make(map[string]*Client, len(cfg.Backends))
	for _, b := range cfg.Backends {
		c, err := newClient(b)
		if err != nil {
			return nil, err
		}
		clients[b.ID] = c
	}
	return &Registry{clients: clients, defaultBackend: cfg.DefaultBackend}, nil
}

func newClient(b config.Backend) (*Client, error) {
	apiKey := os.Getenv(b.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %q required for backend %q", b.APIKeyEnv, b.ID)
	}

	var clientCfg openai.ClientConfig
	switch b.Type {
	case config.BackendOpenAICompatible:
		clientCfg = openai.DefaultConfig(apiKey)
		clientCfg.BaseURL = b.BaseURL
	case config.BackendAzure:
		clientCfg = openai.DefaultAzureConfig(apiKey, b.AzureEndpoint)
		clientCfg.APIVersion = b.APIVersion
	default:
		return nil, fmt.Errorf("unknown backend type %q for backend %q", b.Type, b.ID)
	}

	return &Client{
		ID:    b.ID,
		Model: b.Model,
		API:   openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Resolve returns the backend for an alias, falling back to the
// default backend for unknown aliases such as the internal gateway
// model name the CLI is configured with.
func (r *Registry) Resolve(alias string) (*Client, error) {
	if c, ok := r.clients[alias]; ok {
		return c, nil
	}
	if c, ok := r.clients[r.defaultBackend]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no backend configured to handle the request")
}
