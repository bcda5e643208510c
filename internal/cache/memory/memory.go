// Package memory provides a volatile in-process cache backend.
//
// It is safe for concurrent access and best suited for tests and
// single-process deployments. Entries expire lazily on read.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Backend stores cache entries in a process-local map.
type Backend struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   func() time.Time
}

// NewBackend constructs an empty in-memory cache backend.
func NewBackend() *Backend {
	return &Backend{entries: make(map[string]entry), clock: time.Now}
}

// Get returns the value stored under key, expiring stale entries lazily.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.entries[key]
	if !ok {
		return nil, false, nil
	}
	if b.clock().After(item.expiresAt) {
		delete(b.entries, key)
		return nil, false, nil
	}
	value := make([]byte, len(item.value))
	copy(value, item.value)
	return value, true, nil
}

// Set stores a copy of value under key with the given ttl.
func (b *Backend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = entry{value: stored, expiresAt: b.clock().Add(ttl)}
	return nil
}

// Delete removes the entry stored under key if present.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// DeletePrefix removes every entry whose key starts with prefix.
func (b *Backend) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.entries {
		if strings.HasPrefix(key, prefix) {
			delete(b.entries, key)
		}
	}
	return nil
}

// SetClock overrides the time source. Intended for tests.
func (b *Backend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if clock != nil {
		b.clock = clock
	}
}
