package llm

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"discovery-agent/internal/domain"
)

// Registry holds named LLM providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.LLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]domain.LLMProvider),
	}
}

// Register adds a provider. Returns error if name already registered.
func (r *Registry) Register(provider domain.LLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve returns the named provider, wrapped in a FailoverProvider when
// fallbacks are given.
func (r *Registry) Resolve(name string, fallbacks []string, logger *slog.Logger) (domain.LLMProvider, error) {
	primary, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if len(fallbacks) == 0 {
		return primary, nil
	}

	chain := make([]domain.LLMProvider, 0, len(fallbacks))
	for _, fb := range fallbacks {
		p, err := r.Get(fb)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		chain = append(chain, p)
	}
	return NewFailoverProvider(primary, chain, logger), nil
}
