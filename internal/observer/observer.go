// Package observer provides a typed listener registry.
//
// Listeners run in registration order on the goroutine that calls Emit,
// outside the registry lock, so a listener may subscribe or unsubscribe
// (itself or others) while being dispatched. A listener removed during an
// Emit is not called for the remainder of that Emit.
package observer

import (
	"sync"
	"sync/atomic"
)

type subscription[T any] struct {
	fn     func(T)
	active atomic.Bool
}

// Registry holds the listeners for one event kind.
type Registry[T any] struct {
	mu   sync.Mutex
	subs []*subscription[T]
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (r *Registry[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	sub := &subscription[T]{fn: fn}
	sub.active.Store(true)

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return func() {
		if !sub.active.CompareAndSwap(true, false) {
			return
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		for i, s := range r.subs {
			if s == sub {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				break
			}
		}
	}
}

// Emit calls every active listener with v.
func (r *Registry[T]) Emit(v T) {
	r.mu.Lock()
	snapshot := r.subs
	r.mu.Unlock()

	for _, s := range snapshot {
		if s.active.Load() {
			s.fn(v)
		}
	}
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.subs)
}

// Clear removes every listener.
func (r *Registry[T]) Clear() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, s := range subs {
		s.active.Store(false)
	}
}
