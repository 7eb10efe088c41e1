package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrServiceNotFound is returned by Lookup for an unregistered name.
var ErrServiceNotFound = errors.New("service not found")

// Registry is a typed service container. It is built once at process start
// and handed to node executions explicitly (see node.Env).
type Registry struct {
	mu       sync.RWMutex
	services map[string]any
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]any),
	}
}

// Register adds a service to the registry.
// If a service with the same name exists, it is overwritten.
func (r *Registry) Register(name string, svc any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = svc
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	r.mu.RLock()
	svc, ok := r.services[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return svc, nil
}

// Names returns the registered service names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get looks up name and asserts it to T.
func Get[T any](r *Registry, name string) (T, error) {
	var zero T
	svc, err := r.Lookup(name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, fmt.Errorf("service %q is %T, not %T", name, svc, zero)
	}
	return typed, nil
}
