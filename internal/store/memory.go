package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// memoryMap is a volatile PersistentMap used by tests and by ephemeral
// tooling runs. Same semantics as the SQLite map, minus durability.
type memoryMap struct {
	mu     sync.Mutex
	spaces map[Space]map[string][]byte
}

func NewMemory() PersistentMap {
	return &memoryMap{spaces: make(map[Space]map[string][]byte)}
}

func (m *memoryMap) space(space Space) map[string][]byte {
	s, ok := m.spaces[space]
	if !ok {
		s = make(map[string][]byte)
		m.spaces[space] = s
	}
	return s
}

func (m *memoryMap) Put(_ context.Context, space Space, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.space(space)[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryMap) Get(_ context.Context, space Space, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.space(space)[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memoryMap) Delete(_ context.Context, space Space, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.space(space), key)
	return nil
}

func (m *memoryMap) Scan(_ context.Context, space Space, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	s := m.space(space)
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(s))
	for _, k := range keys {
		snapshot[k] = append([]byte(nil), s[k]...)
	}
	m.mu.Unlock()

	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryMap) CompareAndSwap(_ context.Context, space Space, key string, old, new []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.space(space)
	current, exists := s[key]

	if old == nil {
		if exists {
			return false, nil
		}
	} else {
		if !exists || !bytes.Equal(current, old) {
			return false, nil
		}
	}

	if new == nil {
		delete(s, key)
	} else {
		s[key] = append([]byte(nil), new...)
	}
	return true, nil
}

func (m *memoryMap) Close() error {
	return nil
}
