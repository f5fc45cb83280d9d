// Package tilecache stores decoded tile payloads keyed by dataset and
// coordinate, with a byte-bounded LRU index, single-flight miss coordination
// and pluggable backing stores.
package tilecache

import (
	"context"
	"sync"
)

// Store is the byte-KV contract a backing store satisfies. Values must come
// back byte-for-byte identical to what was put; implementations are safe for
// concurrent use.
type Store interface {
	// Get returns (value, true, nil) on hit, (nil, false, nil) on miss, and
	// a non-nil error only when the store itself failed.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore is the in-process backing store.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}
