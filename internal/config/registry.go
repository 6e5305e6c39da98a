package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livevoice/pkg/transport"
)

// ErrProviderNotRegistered is returned by [Registry.CreateTransport] when no
// factory has been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// TransportFactory builds a dialer from its config entry.
type TransportFactory func(TransportEntry) (transport.Dialer, error)

// Registry maps transport names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	transport map[string]TransportFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transport: make(map[string]TransportFactory),
	}
}

// RegisterTransport registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transport[name] = factory
}

// CreateTransport instantiates a dialer using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateTransport(entry TransportEntry) (transport.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.transport[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// SessionConfig returns the per-session transport config described by e.
func (e TransportEntry) SessionConfig() transport.Config {
	return transport.Config{
		Model:        e.Model,
		Instructions: e.Instructions,
		Voice:        e.Voice,
		Language:     e.Language,
	}
}

// Inherit returns c with every non-empty conversation field of e applied on
// top. Fallback entries use it to keep the primary's settings where they do
// not set their own.
func (e TransportEntry) Inherit(c transport.Config) transport.Config {
	if e.Model != "" {
		c.Model = e.Model
	}
	if e.Instructions != "" {
		c.Instructions = e.Instructions
	}
	if e.Voice != "" {
		c.Voice = e.Voice
	}
	if e.Language != "" {
		c.Language = e.Language
	}
	return c
}

// Transports returns the registered transport names in sorted order.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transport))
	for name := range r.transport {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
