package cloud

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry maps provider names, compared case-insensitively, to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds or replaces the factory for provider.
func (r *Registry) Register(provider string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeProvider(provider)] = factory
}

// New builds a driver for provider.
func (r *Registry) New(provider string, creds Credentials, logger *slog.Logger) (Driver, error) {
	r.mu.RLock()
	factory, ok := r.factories[normalizeProvider(provider)]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownProviderError{Provider: provider}
	}
	return factory(creds, logger)
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}
