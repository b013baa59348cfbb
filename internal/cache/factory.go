package cache

import (
	"time"

	"github.com/redis/go-redis/v9"
)

type StoreConfig struct {
	Backend string // "memory" or "redis"
	Prefix  string
	// SweepInterval only applies to the memory backend.
	SweepInterval time.Duration
}

// NewStore picks the Store backend. redisClient may be nil for "memory".
func NewStore(cfg StoreConfig, redisClient *redis.Client) Store {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(redisClient, cfg.Prefix)
	default:
		return NewMemoryStore(cfg.SweepInterval, nil)
	}
}
