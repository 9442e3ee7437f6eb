// Package cache provides the Global Manager's cluster-snapshot cache: an
// assembled snapshot is expensive to rebuild (it walks every host and VM
// against Postgres and the Nova API), so repeated reallocation requests
// within the same short window reuse it instead. Get/Set/Delete/Close is
// the whole surface the Global Manager ever calls; there is no Exists or
// Ping probe here because nothing in this codebase checks cache health
// independently of actually reading from it.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache is a key-value store for the assembled cluster snapshot, with
// both an in-memory (L1) and a Redis-backed (L2) implementation. All
// operations are safe for concurrent use.
type Cache interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with the given TTL. A zero TTL means the entry
	// does not expire (or uses the implementation's default expiration).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key from the cache. It is not an error to delete
	// a key that does not exist. Used by CacheInvalidator to evict a
	// stale snapshot from every replica's L1 on cross-instance signal.
	Delete(ctx context.Context, key string) error

	// Close releases all resources held by the cache implementation.
	Close() error
}
