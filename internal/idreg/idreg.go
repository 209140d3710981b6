// Package idreg is the central, explicit-ID registry for in-flight mirror
// workers. It exists so completion callbacks can look state up by ID rather
// than holding a captured reference back into the worker that finished,
// avoiding cyclic references between a worker and its own completion
// callback.
package idreg

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps worker IDs to arbitrary caller-owned state.
type Registry struct {
	mu    sync.Mutex
	state map[uuid.UUID]any
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{state: make(map[uuid.UUID]any)}
}

// Register allocates a fresh ID for value and stores it, returning the ID.
func (r *Registry) Register(value any) uuid.UUID {
	id := uuid.New()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state[id] = value

	return id
}

// Lookup returns the value registered under id, if any.
func (r *Registry) Lookup(id uuid.UUID) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.state[id]

	return v, ok
}

// Forget removes id from the registry.
func (r *Registry) Forget(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.state, id)
}

// Len reports how many IDs are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.state)
}
