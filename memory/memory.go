// Package memory provides the durable key-value memory that the model writes
// to through inline directives. Entries live outside the conversation log, so
// deleting or truncating a conversation never touches them. The whole map is
// persisted synchronously after every mutation.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	stderrors "errors"

	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/kv"
	"github.com/converselab/converse/pkg/logging"
)

// storageKey is the fixed key the memory map persists under.
const storageKey = "converse:memory"

// Store holds remembered facts as a flat string map.
type Store struct {
	mu      sync.RWMutex
	kv      kv.Store
	entries map[string]string
	logger  *slog.Logger
}

// NewStore creates a memory store backed by the given key-value store.
func NewStore(store kv.Store) *Store {
	return &Store{
		kv:      store,
		entries: make(map[string]string),
		logger:  logging.WithComponent("memory"),
	}
}

// Load restores previously persisted entries. A missing record leaves the
// store empty.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.kv.Get(ctx, storageKey)
	if err != nil {
		if stderrors.Is(err, cerrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load memory: %w", err)
	}

	entries := make(map[string]string)
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("discarding unreadable memory record", "error", err)
		return nil
	}

	s.entries = entries
	s.logger.Info("memory loaded", "entries", len(entries))
	return nil
}

// Set stores a value under a key, overwriting any previous value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("memory key cannot be empty: %w", cerrors.ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = value
	if err := s.persistLocked(ctx); err != nil {
		return err
	}
	s.logger.Debug("memory set", "key", key)
	return nil
}

// Delete removes a key. It reports whether the key existed; deleting an
// absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return false, nil
	}

	delete(s.entries, key)
	if err := s.persistLocked(ctx); err != nil {
		return false, err
	}
	s.logger.Debug("memory deleted", "key", key)
	return true, nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.entries[key]
	return value, ok
}

// All returns a copy of every entry.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		copied[k] = v
	}
	return copied
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.entries)
	if err != nil {
		return fmt.Errorf("failed to marshal memory: %w", err)
	}
	if err := s.kv.Set(ctx, storageKey, raw); err != nil {
		return fmt.Errorf("failed to persist memory: %w", err)
	}
	return nil
}
