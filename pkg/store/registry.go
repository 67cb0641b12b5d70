package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/driftsync/pkg/config"
	"github.com/ajitpratap0/driftsync/pkg/syncerrors"
)

// Factory opens a store from its configuration. The clock must be used for
// every UpdatedAt stamp the store assigns.
type Factory func(ctx context.Context, cfg config.StoreConfig, clock Clock) (Store, error)

// Registry maps driver names to store factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under driver.
func (r *Registry) Register(driver string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[driver]; exists {
		return syncerrors.New(syncerrors.ErrorTypeConfig, fmt.Sprintf("store driver %s already registered", driver))
	}
	r.factories[driver] = factory
	return nil
}

// Open creates a store for cfg.Driver.
func (r *Registry) Open(ctx context.Context, cfg config.StoreConfig, clock Clock) (Store, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Driver]
	r.mu.RUnlock()

	if !exists {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, fmt.Sprintf("store driver %s not found", cfg.Driver)).
			WithDetail("available", r.Drivers())
	}

	s, err := factory(ctx, cfg, clock)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, fmt.Sprintf("failed to open %s store", cfg.Driver))
	}
	return s, nil
}

// Drivers lists registered driver names in sorted order.
func (r *Registry) Drivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MustRegister registers a factory in the global registry and panics on a
// duplicate driver name. Intended for backend init functions.
func MustRegister(driver string, factory Factory) {
	if err := globalRegistry.Register(driver, factory); err != nil {
		panic(err)
	}
}

// Open opens a store from the global registry.
func Open(ctx context.Context, cfg config.StoreConfig, clock Clock) (Store, error) {
	return globalRegistry.Open(ctx, cfg, clock)
}

// Drivers lists drivers in the global registry.
func Drivers() []string {
	return globalRegistry.Drivers()
}
