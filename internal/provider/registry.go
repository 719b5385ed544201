package provider

import (
	"fmt"
	"sync"
)

// Factory constructs a provider by name. Registered by provider packages
// through the default registry in cmd wiring, or injected in tests.
type Factory func() (Interface, error)

// Registry manages the lifecycle of providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Interface
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Interface),
	}
}

// Register makes a provider constructor available under a name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Load initializes and caches a provider. Loading twice is a no-op.
func (r *Registry) Load(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return nil
	}
	f, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("unknown provider: %s", name)
	}
	p, err := f()
	if err != nil {
		return fmt.Errorf("failed to initialize provider %s: %w", name, err)
	}
	r.providers[name] = p
	return nil
}

// Get returns a loaded provider.
func (r *Registry) Get(name string) (Interface, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider not loaded: %s", name)
	}
	return p, nil
}
