package pipe

import (
	"fmt"
	"sort"
	"sync"

	"pipebridge/internal/domain"
)

// Registry holds the configured pipes by ID.
type Registry struct {
	mu    sync.RWMutex
	pipes map[string]domain.Pipe
}

// NewRegistry creates an empty pipe registry.
func NewRegistry() *Registry {
	return &Registry{pipes: make(map[string]domain.Pipe)}
}

// Register adds a pipe, replacing any previous pipe with the same ID.
func (r *Registry) Register(p domain.Pipe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipes[p.ID()] = p
}

// Get returns the pipe with the given ID.
func (r *Registry) Get(id string) (domain.Pipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrPipeNotFound, id)
	}
	return p, nil
}

// IDs returns the registered pipe IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pipes))
	for id := range r.pipes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
