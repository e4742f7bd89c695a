package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrBackendExists is returned when a namespace already has a backend.
var ErrBackendExists = errors.New("backend already registered")

// Registry maps capability namespaces to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under its namespace.
func (r *Registry) Register(b Backend) error {
	if b == nil {
		return fmt.Errorf("backend is nil")
	}
	ns := b.Namespace()
	if ns == "" {
		return fmt.Errorf("backend namespace is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.backends[ns]; exists {
		return fmt.Errorf("%w: %s", ErrBackendExists, ns)
	}
	r.backends[ns] = b
	return nil
}

// Get returns the backend of a namespace.
func (r *Registry) Get(namespace string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[namespace]
	return b, ok
}

// List returns all backends ordered by namespace.
func (r *Registry) List() []Backend {
	r.mu.RLock()
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Namespace() < out[j].Namespace() })
	return out
}

// ListEnabled returns enabled backends ordered by namespace.
func (r *Registry) ListEnabled() []Backend {
	all := r.List()
	out := all[:0]
	for _, b := range all {
		if b.Enabled() {
			out = append(out, b)
		}
	}
	return out
}

// Namespaces returns the registered namespaces, sorted.
func (r *Registry) Namespaces() []string {
	all := r.List()
	out := make([]string, len(all))
	for i, b := range all {
		out[i] = b.Namespace()
	}
	return out
}
