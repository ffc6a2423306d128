// Package credential manages the ordered pool of interchangeable API
// credentials used to authenticate remote generation calls. The pool tracks a
// "current" credential and rotates to the next one when a call is rate
// limited. Every mutation is persisted synchronously through the key-value
// store so the pool survives restarts.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	stderrors "errors"

	cerrors "github.com/converselab/converse/errors"
	"github.com/converselab/converse/kv"
	"github.com/converselab/converse/pkg/logging"
)

// storageKey is the fixed key the pool persists under.
const storageKey = "converse:credentials"

// record is the persisted shape of the pool.
type record struct {
	Credentials []string `json:"credentials"`
	Current     int      `json:"current"`
}

// Pool holds an ordered, duplicate-free list of credentials and the index of
// the current one. Invariant: current is a valid index into a non-empty list,
// or the list is empty and current is 0.
type Pool struct {
	mu      sync.Mutex
	store   kv.Store
	creds   []string
	current int
	logger  *slog.Logger
}

// NewPool creates a pool backed by the given store.
func NewPool(store kv.Store) *Pool {
	return &Pool{
		store:  store,
		logger: logging.WithComponent("credential_pool"),
	}
}

// DefaultsFromEnv returns credentials delivered via the CONVERSE_API_KEYS
// environment variable (comma-separated).
func DefaultsFromEnv() []string {
	raw := os.Getenv("CONVERSE_API_KEYS")
	if raw == "" {
		return nil
	}
	var creds []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			creds = append(creds, trimmed)
		}
	}
	return creds
}

// Initialize merges previously persisted credentials with the supplied
// defaults, de-duplicated by exact string match, and persists the merged set.
// The current index is kept when still valid, otherwise reset to 0.
func (p *Pool) Initialize(ctx context.Context, defaults ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := p.store.Get(ctx, storageKey)
	if err != nil && !stderrors.Is(err, cerrors.ErrNotFound) {
		return fmt.Errorf("failed to load credentials: %w", err)
	}

	var rec record
	if err == nil {
		if err := json.Unmarshal(raw, &rec); err != nil {
			p.logger.Warn("discarding unreadable credential record", "error", err)
			rec = record{}
		}
	}

	seen := make(map[string]bool, len(rec.Credentials)+len(defaults))
	merged := make([]string, 0, len(rec.Credentials)+len(defaults))
	for _, cred := range rec.Credentials {
		if cred == "" || seen[cred] {
			continue
		}
		seen[cred] = true
		merged = append(merged, cred)
	}
	for _, cred := range defaults {
		if cred == "" || seen[cred] {
			continue
		}
		seen[cred] = true
		merged = append(merged, cred)
	}

	p.creds = merged
	p.current = rec.Current
	if p.current < 0 || p.current >= len(p.creds) {
		p.current = 0
	}

	if err := p.persistLocked(ctx); err != nil {
		return err
	}

	p.logger.Info("credential pool initialized", "size", len(p.creds))
	return nil
}

// Add appends a credential to the pool. It returns false if the credential is
// already present (or empty); a credential added to an empty pool becomes the
// current one.
func (p *Pool) Add(ctx context.Context, cred string) (bool, error) {
	if cred == "" {
		return false, fmt.Errorf("credential cannot be empty: %w", cerrors.ErrInvalidInput)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.creds {
		if existing == cred {
			return false, nil
		}
	}

	p.creds = append(p.creds, cred)
	if len(p.creds) == 1 {
		p.current = 0
	}

	if err := p.persistLocked(ctx); err != nil {
		return false, err
	}
	p.logger.Info("credential added", "size", len(p.creds))
	return true, nil
}

// Remove deletes a credential from the pool. Removing an absent credential is
// a no-op. The current index is adjusted to keep pointing at the credential
// that was going to be used next.
func (p *Pool) Remove(ctx context.Context, cred string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, existing := range p.creds {
		if existing == cred {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}

	p.creds = append(p.creds[:idx], p.creds[idx+1:]...)

	switch {
	case len(p.creds) == 0:
		p.current = 0
	case idx < p.current:
		p.current--
	case p.current >= len(p.creds):
		p.current = len(p.creds) - 1
	}

	if err := p.persistLocked(ctx); err != nil {
		return err
	}
	p.logger.Info("credential removed", "size", len(p.creds))
	return nil
}

// Current returns the current credential, or false if the pool is empty.
func (p *Pool) Current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return "", false
	}
	return p.creds[p.current], true
}

// Rotate advances to the next credential circularly and returns it. Rotating
// a pool with one or zero entries is a no-op.
func (p *Pool) Rotate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return "", fmt.Errorf("cannot rotate: %w", cerrors.ErrNoCredentials)
	}
	if len(p.creds) == 1 {
		return p.creds[0], nil
	}

	p.current = (p.current + 1) % len(p.creds)
	if err := p.persistLocked(ctx); err != nil {
		return "", err
	}

	p.logger.Debug("credential rotated", "index", p.current)
	return p.creds[p.current], nil
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Snapshot returns a copy of the credential list in rotation order.
func (p *Pool) Snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]string, len(p.creds))
	copy(copied, p.creds)
	return copied
}

// CurrentIndex returns the index of the current credential.
func (p *Pool) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Pool) persistLocked(ctx context.Context) error {
	raw, err := json.Marshal(record{Credentials: p.creds, Current: p.current})
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	if err := p.store.Set(ctx, storageKey, raw); err != nil {
		return fmt.Errorf("failed to persist credentials: %w", err)
	}
	return nil
}
