package provider

import (
	"fmt"
	"sync"

	"github.com/nevenhsu/llmbook-sub003/common/llm"
	"github.com/nevenhsu/llmbook-sub003/core/config"
	"github.com/nevenhsu/llmbook-sub003/internal/model"
)

// ClientFactory builds the llm client serving one model of one provider.
type ClientFactory interface {
	Client(p model.ProviderSpec, m model.ModelSpec) (llm.Client, error)
}

type ClientFactoryFunc func(p model.ProviderSpec, m model.ModelSpec) (llm.Client, error)

func (f ClientFactoryFunc) Client(p model.ProviderSpec, m model.ModelSpec) (llm.Client, error) {
	return f(p, m)
}

// CredentialSource resolves API keys by provider id. config.ProvidersConfig implements it.
type CredentialSource interface {
	Credentials(providerID string) config.ProviderCredentials
}

// Factory creates SDK-backed clients and reuses them per provider, model and endpoint.
type Factory struct {
	creds     CredentialSource
	newClient func(llm.Config) (llm.Client, error)

	mu      sync.Mutex
	clients map[string]llm.Client
}

func NewFactory(creds CredentialSource) *Factory {
	return &Factory{
		creds:     creds,
		newClient: llm.New,
		clients:   make(map[string]llm.Client),
	}
}

func (f *Factory) Client(p model.ProviderSpec, m model.ModelSpec) (llm.Client, error) {
	creds := f.creds.Credentials(p.ID)
	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = creds.BaseURL
	}
	key := fmt.Sprintf("%s|%s|%s|%s", p.ID, p.Kind, m.ModelName, baseURL)

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	c, err := f.newClient(llm.Config{
		Provider: string(p.Kind),
		APIKey:   creds.APIKey,
		BaseURL:  baseURL,
		Model:    m.ModelName,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s client for %s: %w", p.Kind, p.ID, err)
	}
	f.clients[key] = c
	return c, nil
}
