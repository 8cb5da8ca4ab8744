package util

import (
	"slices"
	"sync"
)

// Listeners is a set of callbacks that can be added and removed from any
// goroutine. Emit calls every callback synchronously on the caller's goroutine,
// outside the lock, so a callback may unsubscribe itself.
type Listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

// Add registers fn and returns a function that removes it. The returned
// function is idempotent.
func (l *Listeners[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

// Emit delivers v to every registered callback in registration order.
func (l *Listeners[T]) Emit(v T) {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	fns := make([]func(T), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered callbacks.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}
