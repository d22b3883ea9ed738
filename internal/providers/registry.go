package providers

import (
	"fmt"
	"sort"

	"github.com/neomagi/neomagi/internal/config"
)

// providerDefaults maps a provider name to its API base and fallback model.
var providerDefaults = map[string]struct {
	baseURL string
	model   string
}{
	"openai":     {"https://api.openai.com/v1", "gpt-4o"},
	"openrouter": {"https://openrouter.ai/api/v1", "anthropic/claude-sonnet-4"},
	"deepseek":   {"https://api.deepseek.com/v1", "deepseek-chat"},
	"groq":       {"https://api.groq.com/openai/v1", "llama-3.3-70b-versatile"},
}

// Registry holds the set of configured provider clients. It is built
// once at startup and never mutated afterwards, so lookups need no
// locking.
type Registry struct {
	clients     map[string]Client
	defaultName string
}

// NewRegistry constructs a client for every provider in cfg that has an
// API key. The configured default provider must resolve to one of them.
func NewRegistry(cfg *config.Config, opts ...OpenAIOption) (*Registry, error) {
	clients := make(map[string]Client)
	add := func(name string, pc config.ProviderConfig) {
		if pc.APIKey == "" {
			return
		}
		def := providerDefaults[name]
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = def.baseURL
		}
		model := pc.Model
		if model == "" {
			model = def.model
		}
		clients[name] = NewOpenAIClient(name, pc.APIKey, baseURL, model, opts...)
	}
	add("openai", cfg.Providers.OpenAI)
	add("openrouter", cfg.Providers.OpenRouter)
	add("deepseek", cfg.Providers.DeepSeek)
	add("groq", cfg.Providers.Groq)

	if len(clients) == 0 {
		return nil, fmt.Errorf("no providers configured: set an API key for at least one provider")
	}

	defaultName := cfg.Agent.Provider
	if _, ok := clients[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q: %w", defaultName, ErrProviderNotAvailable)
	}

	return &Registry{clients: clients, defaultName: defaultName}, nil
}

// NewRegistryFromClients builds a registry from pre-built clients.
// Used by tests and anywhere a custom Client implementation is wired.
func NewRegistryFromClients(defaultName string, clients ...Client) (*Registry, error) {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	if _, ok := m[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q: %w", defaultName, ErrProviderNotAvailable)
	}
	return &Registry{clients: m, defaultName: defaultName}, nil
}

// Get returns the named client, or the default when name is empty.
func (r *Registry) Get(name string) (Client, error) {
	if name == "" {
		name = r.defaultName
	}
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, ErrProviderNotAvailable)
	}
	return c, nil
}

// Default returns the default client.
func (r *Registry) Default() Client {
	return r.clients[r.defaultName]
}

// Model returns the resolved default model for the named provider, or
// "" when the provider is unknown.
func (r *Registry) Model(name string) string {
	c, err := r.Get(name)
	if err != nil {
		return ""
	}
	return c.DefaultModel()
}

// DefaultName returns the name of the default provider.
func (r *Registry) DefaultName() string { return r.defaultName }

// Names lists registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
