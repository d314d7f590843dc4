package textfmt

import (
	"context"
	"sync"
)

// Hook is a named transform with an optional gate. A nil Applies always
// applies.
type Hook[T any] struct {
	Name      string
	Applies   func(ctx context.Context) bool
	Transform T
}

// Registry is an ordered, concurrency-safe list of hooks. Registering a name
// that already exists replaces the earlier hook in place.
type Registry[T any] struct {
	mu    sync.RWMutex
	hooks []Hook[T]
}

// Register adds h and returns a func that removes it again.
func (r *Registry[T]) Register(h Hook[T]) (unregister func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.hooks {
		if r.hooks[i].Name == h.Name {
			r.hooks[i] = h
			return func() { r.Unregister(h.Name) }
		}
	}
	r.hooks = append(r.hooks, h)
	return func() { r.Unregister(h.Name) }
}

func (r *Registry[T]) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.hooks {
		if r.hooks[i].Name == name {
			r.hooks = append(r.hooks[:i:i], r.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Hooks returns a snapshot in registration order.
func (r *Registry[T]) Hooks() []Hook[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Hook[T], len(r.hooks))
	copy(out, r.hooks)
	return out
}

// Active returns the transforms of the hooks that apply to ctx.
func (r *Registry[T]) Active(ctx context.Context) []T {
	var out []T
	for _, h := range r.Hooks() {
		if h.Applies == nil || h.Applies(ctx) {
			out = append(out, h.Transform)
		}
	}
	return out
}
