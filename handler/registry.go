package handler

import (
	"context"
	"sort"
	"sync"
)

// Registry maps task types to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds taskType to h, replacing any previous binding.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// RegisterFunc binds taskType to fn.
func (r *Registry) RegisterFunc(taskType string, fn func(ctx context.Context, in Input) Result) {
	r.Register(taskType, Func(fn))
}

// Get returns the handler for taskType.
func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Has reports whether taskType has a handler. Steps whose task type has a
// handler are automated; the rest wait for a human actor.
func (r *Registry) Has(taskType string) bool {
	_, ok := r.Get(taskType)
	return ok
}

// TaskTypes returns all registered task types, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
