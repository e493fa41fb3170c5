// Package observe provides ordered observer lists with unsubscribe handles.
//
// Handlers fire in registration order. Unsubscribing, including from inside a
// handler that is currently running, is safe: a removed handler is skipped for
// the remainder of an in-progress Emit.
package observe

import (
	"sync"
	"sync/atomic"
)

type entry[T any] struct {
	id     uint64
	fn     func(T)
	active atomic.Bool
}

// List is a set of handlers for events of type T. The zero value is ready to use.
type List[T any] struct {
	mu      sync.Mutex
	seq     uint64
	entries []*entry[T]
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is idempotent.
func (l *List[T]) Subscribe(fn func(T)) func() {
	e := &entry[T]{fn: fn}
	e.active.Store(true)

	l.mu.Lock()
	l.seq++
	e.id = l.seq
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	return func() { l.remove(e.id) }
}

func (l *List[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			e.active.Store(false)
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Emit delivers v to every active handler synchronously, in registration order.
func (l *List[T]) Emit(v T) {
	l.mu.Lock()
	snapshot := make([]*entry[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, e := range snapshot {
		if !e.active.Load() {
			continue
		}
		e.fn(v)
	}
}

// Len returns the number of registered handlers.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
