// Package lockmap provides per-key mutual exclusion within one process.
package lockmap

import (
	"context"
	"sync"

	"telegram-vpn-subscription/internal/domain"
	"telegram-vpn-subscription/internal/domain/ports/adapter"
)

var _ adapter.UserLocker = (*Map)(nil)

type entry struct {
	ch   chan struct{} // holds one token while the key is locked
	refs int
}

// Map hands out one lock per key and forgets keys nobody holds or waits for.
type Map struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func New() *Map {
	return &Map{keys: make(map[string]*entry)}
}

// Lock blocks until the key is free or ctx is done.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, domain.ErrLockNotAcquired
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
