package agentruntime

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps backend ids to runtimes.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]Runtime
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[string]Runtime)}
}

// Register adds or replaces a runtime.
func (r *Registry) Register(rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[rt.ID()] = rt
}

// Get returns the runtime registered under id.
func (r *Registry) Get(id string) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return rt, nil
}

// All returns the runtimes sorted by id.
func (r *Registry) All() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runtime, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// PingAll probes every runtime and returns the failures keyed by id.
func (r *Registry) PingAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, rt := range r.All() {
		if err := rt.Ping(ctx); err != nil {
			failures[rt.ID()] = err
		}
	}
	return failures
}
