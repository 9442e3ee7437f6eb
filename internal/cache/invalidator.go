package cache

import (
	"context"
	"sync"

	"github.com/oriys/nova/internal/logging"
	"github.com/redis/go-redis/v9"
)

const (
	// InvalidationChannel is the Redis Pub/Sub channel used for cache
	// invalidation signals. When one Global Manager replica's reallocation
	// actually moves a VM or flips a host's power state, it publishes the
	// snapshot cache key here; every other replica evicts it from its own
	// L1 immediately rather than waiting out SnapshotCacheTTL.
	InvalidationChannel = "neat:cache:invalidate"
)

// CacheInvalidator subscribes to InvalidationChannel and evicts the
// corresponding key from this replica's L1 cache whenever another
// replica publishes one.
type CacheInvalidator struct {
	local  Cache
	client *redis.Client
	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewCacheInvalidator wires an L1 cache to a shared Redis client. local
// is normally the same InMemoryCache a TieredCache uses as its L1, so
// evictions published by other replicas are visible on the very next
// snapshot read.
func NewCacheInvalidator(local Cache, client *redis.Client) *CacheInvalidator {
	return &CacheInvalidator{
		local:  local,
		client: client,
	}
}

// Start begins listening for invalidation signals. It blocks until the
// context is cancelled or Close is called; callers run it in its own
// goroutine for the process lifetime.
func (ci *CacheInvalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	ci.mu.Lock()
	ci.cancel = cancel
	ci.mu.Unlock()

	pubsub := ci.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// msg.Payload is the cache key to invalidate.
			if err := ci.local.Delete(subCtx, msg.Payload); err != nil {
				logging.Op().Warn("cache invalidator: evict local key", "key", msg.Payload, "error", err)
			}
		}
	}
}

// PublishInvalidation tells every subscribed replica to evict key from
// its L1. Called best-effort by the Global Manager after a reallocation
// actually changes cluster state.
func (ci *CacheInvalidator) PublishInvalidation(ctx context.Context, key string) error {
	return ci.client.Publish(ctx, InvalidationChannel, key).Err()
}

// Close stops the invalidation listener.
func (ci *CacheInvalidator) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.closed {
		return nil
	}
	ci.closed = true
	if ci.cancel != nil {
		ci.cancel()
	}
	return nil
}
