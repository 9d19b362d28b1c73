package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory BlobStore for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	if _, err := ParseRef(ref); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[ref]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", ref)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (m *MemoryStore) Put(_ context.Context, ref string, data []byte) error {
	if _, err := ParseRef(ref); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.objects[ref] = cp
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, ref string) (bool, error) {
	if _, err := ParseRef(ref); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[ref]
	return ok, nil
}

// Refs returns all stored refs, for test assertions.
func (m *MemoryStore) Refs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]string, 0, len(m.objects))
	for ref := range m.objects {
		refs = append(refs, ref)
	}
	return refs
}
