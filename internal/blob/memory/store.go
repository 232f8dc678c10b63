// Package memory provides an in-memory blob store for tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tarifwerk/tariff-crawler/internal/blob"
)

// Store keeps objects in a map.
type Store struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// New constructs an empty Store.
func New() *Store {
	return &Store{objects: make(map[string][]byte)}
}

// PutObject stores a copy of data under key.
func (s *Store) PutObject(_ context.Context, key string, _ string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return "mem://" + key, nil
}

// GetObject returns a copy of the stored object.
func (s *Store) GetObject(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, blob.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// Len reports the number of stored objects, for test assertions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
