package compute

import "sync"

// Registry maps computation IDs to capabilities.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.RWMutex
	computations map[string]Computation
}

// NewRegistry creates an empty computation registry.
func NewRegistry() *Registry {
	return &Registry{
		computations: make(map[string]Computation),
	}
}

// Register adds a computation under its own ID. Re-registering an ID
// replaces the previous capability.
func (r *Registry) Register(c Computation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.computations[c.ID()] = c
}

// Get returns the computation for the given ID.
// Returns false if none is registered.
func (r *Registry) Get(id string) (Computation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.computations[id]
	return c, ok
}

// IDs returns all registered computation IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.computations))
	for id := range r.computations {
		ids = append(ids, id)
	}
	return ids
}
