package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired items are dropped lazily on Get
// and by a background sweep.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	clock clockwork.Clock

	stopSweep chan struct{}
	stopOnce  sync.Once
}

// NewMemoryStore creates a store swept every sweepInterval (5m when <= 0).
func NewMemoryStore(sweepInterval time.Duration, clock clockwork.Clock) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	s := &MemoryStore{
		items:     make(map[string]memoryItem),
		clock:     clock,
		stopSweep: make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	now := s.clock.Now()
	if now.After(item.expiresAt) {
		s.mu.Lock()
		if it, exists := s.items[key]; exists && now.After(it.expiresAt) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	return item.value, true, nil
}

// Set stores a copy of value; ttl <= 0 deletes the key instead.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	s.mu.Lock()
	s.items[key] = memoryItem{value: valueCopy, expiresAt: s.clock.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			now := s.clock.Now()
			s.mu.Lock()
			for k, v := range s.items {
				if now.After(v.expiresAt) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopSweep:
			return
		}
	}
}

// Close stops the sweep goroutine.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopSweep) })
	return nil
}

// Len returns the number of items held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
