package promptcache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process cache suitable for single-instance deployments and
// tests. Reads are lock-guarded but cheap; expired entries are dropped lazily
// on access.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	nowFn   func() time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}, nowFn: time.Now}
}

// Get returns the payload if present and not expired.
func (cache *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	cache.mu.RLock()
	entry, ok := cache.entries[key]
	cache.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if cache.nowFn().After(entry.expiresAt) {
		cache.mu.Lock()
		delete(cache.entries, key)
		cache.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores the payload until its TTL elapses.
func (cache *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cache.mu.Lock()
	cache.entries[key] = memoryEntry{value: value, expiresAt: cache.nowFn().Add(ttl)}
	cache.mu.Unlock()
	return nil
}

// Delete evicts the key immediately.
func (cache *Memory) Delete(ctx context.Context, key string) error {
	cache.mu.Lock()
	delete(cache.entries, key)
	cache.mu.Unlock()
	return nil
}
