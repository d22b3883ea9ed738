// Package dispatch composes one chat request's lifecycle: provider
// routing, session claim, budget reservation, the agent run, then
// best-effort settle and release.
package dispatch

import (
	"fmt"
	"sort"

	"github.com/neomagi/neomagi/internal/providers"
)

// Provider pairs a configured agent loop with the model it serves.
// An empty Model falls back to the loop's default.
type Provider struct {
	Loop  Runner
	Model string
}

// Registry routes request provider names to configured loops. Every
// chat request passes through Get before any state is touched, so an
// unknown provider costs nothing.
type Registry struct {
	entries     map[string]*Provider
	defaultName string
}

// NewRegistry builds a registry over the configured providers. The
// default name must be one of the entries.
func NewRegistry(defaultName string, entries map[string]*Provider) (*Registry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no providers configured: %w", providers.ErrProviderNotAvailable)
	}
	if _, ok := entries[defaultName]; !ok {
		return nil, fmt.Errorf("default provider %q: %w", defaultName, providers.ErrProviderNotAvailable)
	}
	m := make(map[string]*Provider, len(entries))
	for name, p := range entries {
		m[name] = p
	}
	return &Registry{entries: m, defaultName: defaultName}, nil
}

// Get resolves a provider by name. The empty string selects the
// default.
func (r *Registry) Get(name string) (*Provider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", name, providers.ErrProviderNotAvailable)
	}
	return p, nil
}

// DefaultProvider reports the name Get falls back to.
func (r *Registry) DefaultProvider() string { return r.defaultName }

// Providers lists the configured provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
