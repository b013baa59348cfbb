package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"tokenrelay-gateway/internal/metrics"
)

const DefaultTTL = 60 * time.Second

type EvictReason string

const (
	EvictTTL     EvictReason = "ttl"
	EvictFailure EvictReason = "failure"
)

// CoalescingConfig configures NewCoalescing.
type CoalescingConfig struct {
	TTL    time.Duration
	Clock  clockwork.Clock
	Logger *zap.Logger
}

type slot struct {
	entry *Entry
	timer clockwork.Timer
}

// Coalescing maps a fingerprint key to at most one live or recently completed
// Entry. Only the caller that created an entry may start its upstream reader.
type Coalescing struct {
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]slot
	closed  bool
}

func NewCoalescing(cfg CoalescingConfig) *Coalescing {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Coalescing{
		ttl:     cfg.TTL,
		clock:   cfg.Clock,
		logger:  cfg.Logger.Named("coalescing"),
		entries: make(map[string]slot),
	}
}

// GetOrCreate returns the entry for key, creating it when absent.
// isNew is true only for the caller that inserted the entry.
func (c *Coalescing) GetOrCreate(key string) (entry *Entry, isNew bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.entries[key]; ok {
		metrics.CoalescedHitsTotal.Inc()
		return s.entry, false
	}

	entry = newEntry(key, c.clock.Now())
	if c.closed {
		// Detached: the caller still gets a working entry, nothing is stored.
		return entry, true
	}

	s := slot{entry: entry}
	// The TTL is armed at creation, not at completion.
	s.timer = c.clock.AfterFunc(c.ttl, func() {
		c.evict(key, entry, EvictTTL)
	})
	c.entries[key] = s

	metrics.CacheMissesTotal.Inc()
	metrics.LiveEntries.Inc()
	return entry, true
}

// Evict removes entry from the map immediately after an upstream failure.
// It is a no-op when key already maps to a different (newer) entry.
func (c *Coalescing) Evict(key string, entry *Entry) bool {
	return c.evict(key, entry, EvictFailure)
}

func (c *Coalescing) evict(key string, entry *Entry, reason EvictReason) bool {
	c.mu.Lock()
	s, ok := c.entries[key]
	if !ok || s.entry != entry {
		c.mu.Unlock()
		return false
	}
	delete(c.entries, key)
	c.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}

	metrics.EvictionsTotal.WithLabelValues(string(reason)).Inc()
	metrics.LiveEntries.Dec()

	c.logger.Debug("cache_evict",
		zap.String("reason", string(reason)),
		zap.Bool("completed", entry.Done()),
		zap.Duration("age", c.clock.Since(entry.CreatedAt())),
	)
	return true
}

// Lookup returns the current entry for key without creating one.
func (c *Coalescing) Lookup(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[key]
	return s.entry, ok
}

// Len returns the number of entries currently in the cache.
func (c *Coalescing) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops all TTL timers and drops every entry. Call this on shutdown or in tests.
func (c *Coalescing) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, s := range c.entries {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(c.entries, key)
		metrics.LiveEntries.Dec()
	}
	c.closed = true
	return nil
}
