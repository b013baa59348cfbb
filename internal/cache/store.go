package cache

import (
	"context"
	"time"
)

// Store is a small TTL key/value store for documents the gateway keeps
// between requests (the model catalog). Implemented by MemoryStore (dev)
// and RedisStore (shared across replicas).
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
