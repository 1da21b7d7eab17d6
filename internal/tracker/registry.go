package tracker

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a configured tracker.
type Factory func(cfg FactoryConfig) (Tracker, error)

// Registry manages registered tracker implementations.
// Implementations register themselves at init time, and the registry
// provides access to them by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// globalRegistry is the default registry used by Register and New.
var globalRegistry = NewRegistry()

// Register adds a tracker factory to the global registry.
// The name should be lowercase (e.g., "gitlab").
func Register(name string, factory Factory) {
	globalRegistry.Register(name, factory)
}

// List returns the names of all registered trackers.
func List() []string {
	return globalRegistry.List()
}

// New creates a tracker from the global registry.
func New(name string, cfg FactoryConfig) (Tracker, error) {
	return globalRegistry.New(name, cfg)
}

// Register adds a tracker factory to this registry.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Get retrieves a tracker factory from this registry.
func (r *Registry) Get(name string) Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[name]
}

// List returns the names of all registered trackers, sorted alphabetically.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a tracker by name.
func (r *Registry) New(name string, cfg FactoryConfig) (Tracker, error) {
	factory := r.Get(name)
	if factory == nil {
		return nil, fmt.Errorf("unknown tracker %q (available: %v)", name, r.List())
	}
	return factory(cfg)
}
