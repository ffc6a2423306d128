package kv

import (
	"context"
	"fmt"
	"sync"

	cerrors "github.com/converselab/converse/errors"
)

// InMemoryStore implements Store using in-memory storage. It is the default
// backend for tests and for running without external services.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewInMemoryStore creates a new in-memory key-value store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[string][]byte),
	}
}

// Get returns the value stored under key.
func (s *InMemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", key, cerrors.ErrNotFound)
	}

	copied := make([]byte, len(value))
	copy(copied, value)
	return copied, nil
}

// Set stores value under key.
func (s *InMemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]byte, len(value))
	copy(copied, value)
	s.entries[key] = copied
	return nil
}

// Delete removes key from the store.
func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Len returns the number of stored keys.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
