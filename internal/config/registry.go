package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/inspexhq/inspex/pkg/upstream"
)

// ErrConnectorNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrConnectorNotRegistered = errors.New("config: connector not registered")

// ConnectorFactory builds an upstream connector from the upstream config
// block.
type ConnectorFactory func(UpstreamConfig) (upstream.Connector, error)

// Registry maps provider names to connector factories, so the upstream
// endpoint is chosen by configuration instead of compile-time wiring. It is
// safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ConnectorFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ConnectorFactory)}
}

// Register registers a connector factory under name. Subsequent calls with
// the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory ConnectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the connector registered under cfg.Provider.
// Returns [ErrConnectorNotRegistered] for unknown names.
func (r *Registry) Create(cfg UpstreamConfig) (upstream.Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrConnectorNotRegistered, cfg.Provider, r.Names())
	}
	return factory(cfg)
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
