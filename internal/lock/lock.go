// Package lock serialises work on accounts. Callers acquire every account
// a transfer touches in one call; keys are always taken in sorted order so two
// transfers over the same accounts can never deadlock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrTimeout = errors.New("lock acquisition timed out")

type Manager interface {
	// Acquire blocks until every key is held or ctx is done. The returned
	// release func must be called exactly once.
	Acquire(ctx context.Context, keys ...string) (func(), error)
}

// normalize sorts and deduplicates keys.
func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if k == "" || (i > 0 && k == out[i-1]) {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}

type entry struct {
	ch   chan struct{}
	refs int
}

// MemoryManager is a keyed mutex for a single process.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{locks: make(map[string]*entry)}
}

func (m *MemoryManager) ref(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *MemoryManager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *MemoryManager) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]*entry, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			m.unref(keys[i])
		}
	}

	for _, k := range keys {
		e := m.ref(k)
		select {
		case e.ch <- struct{}{}:
			held = append(held, e)
		case <-ctx.Done():
			m.unref(k)
			release()
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, k, ctx.Err())
		}
	}
	return release, nil
}
