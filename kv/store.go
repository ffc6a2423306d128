// Package kv provides the flat key-value storage used to persist the
// credential pool, the side-channel memory mapping and the conversation log.
// Values are opaque byte slices; each component serialises its own state
// under a fixed key.
package kv

import "context"

// Store defines the interface for key-value storage backends.
type Store interface {
	// Get returns the value stored under key, or errors.ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
