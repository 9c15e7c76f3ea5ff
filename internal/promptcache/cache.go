// Package promptcache provides the key-value layer in front of the template
// store. The cache is an injected capability: the resolver stays correct with
// the Noop implementation, only slower, so cache outages never fail a request.
package promptcache

import (
	"context"
	"time"
)

// Cache stores serialized templates keyed by service type.
type Cache interface {
	// Get returns the cached payload and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores a payload with a bounded time-to-live.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete evicts a key. Evicting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Noop is the default cache: every read misses, every write is discarded.
type Noop struct{}

// NewNoop returns a cache that stores nothing.
func NewNoop() Noop {
	return Noop{}
}

// Get always reports a miss.
func (Noop) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set discards the payload.
func (Noop) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

// Delete does nothing.
func (Noop) Delete(ctx context.Context, key string) error {
	return nil
}
