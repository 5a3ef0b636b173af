// Package keyedmutex provides a FIFO mutual-exclusion lock keyed by string.
//
// It exists to serialize agent runs per workspace: at most one run may hold
// the lock for a given workspace id at any time, and waiters are granted the
// lock strictly in the order they called Acquire.
package keyedmutex

import (
	"context"
	"sync"
)

// KeyedMutex serializes access per key with FIFO fairness. The zero value is
// not usable; call New.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// entry tracks the holder and the FIFO queue of waiters for one key.
type entry struct {
	held    bool
	waiters []chan struct{}
}

// New creates an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is free (or ctx is done) and returns
// a release function. The lock is granted to waiters in enqueue order.
// Re-entrant acquisition from the same goroutine deadlocks and is not
// supported.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	if !e.held {
		e.held = true
		m.mu.Unlock()
		return m.releaseFunc(key), nil
	}

	wait := make(chan struct{})
	e.waiters = append(e.waiters, wait)
	m.mu.Unlock()

	select {
	case <-wait:
		return m.releaseFunc(key), nil
	case <-ctx.Done():
		m.abandon(key, wait)
		return nil, ctx.Err()
	}
}

// releaseFunc returns the one-shot release closure for key.
func (m *KeyedMutex) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { m.release(key) })
	}
}

// release hands the lock to the next waiter, or discards the key's entry
// when the queue has drained.
func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		delete(m.entries, key)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

// abandon removes a canceled waiter from the queue. If the waiter was granted
// the lock concurrently with cancellation, the grant is passed on.
func (m *KeyedMutex) abandon(key string, wait chan struct{}) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		for i, w := range e.waiters {
			if w == wait {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				m.mu.Unlock()
				return
			}
		}
	}
	m.mu.Unlock()

	// Not found in the queue: the grant raced with cancellation and this
	// waiter already owns the lock. Release it so the next waiter proceeds.
	select {
	case <-wait:
		m.release(key)
	default:
	}
}

// Len returns the number of live keys. Used by tests to verify that drained
// queues are discarded.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
