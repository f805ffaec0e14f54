// Package dispatch provides an ordered handler registry keyed by event type, with a wildcard key.
package dispatch

import "sync"

// Wildcard is the key whose handlers receive every event type.
const Wildcard = "*"

// Registry maps a key to handlers in registration order. Safe for concurrent use.
type Registry[H any] struct {
	mu       sync.RWMutex
	handlers map[string][]H
}

// NewRegistry returns an empty registry.
func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{handlers: make(map[string][]H)}
}

// Register appends h to the handlers for key. Use Wildcard to receive all keys.
func (r *Registry[H]) Register(key string, h H) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = append(r.handlers[key], h)
}

// Lookup returns the handlers for key followed by the wildcard handlers.
// The returned slice is a copy; callers may invoke handlers without holding any lock.
// Looking up Wildcard itself returns the wildcard handlers once.
func (r *Registry[H]) Lookup(key string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specific := r.handlers[key]
	if key == Wildcard {
		return append([]H(nil), specific...)
	}
	wild := r.handlers[Wildcard]
	out := make([]H, 0, len(specific)+len(wild))
	out = append(out, specific...)
	return append(out, wild...)
}

// Len returns the number of handlers registered under key, excluding wildcard handlers.
func (r *Registry[H]) Len(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[key])
}

// Clear removes every handler registered under key.
func (r *Registry[H]) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
}
