package cache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCoalescing(t *testing.T, ttl time.Duration) (*Coalescing, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := NewCoalescing(CoalescingConfig{TTL: ttl, Clock: clock, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestCoalescing_OneCreatorPerKey(t *testing.T) {
	c, _ := newTestCoalescing(t, time.Minute)

	const callers = 64
	var created atomic.Int32
	entries := make([]*Entry, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, isNew := c.GetOrCreate("v1:chat:m:q")
			if isNew {
				created.Add(1)
			}
			entries[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
	assert.Equal(t, 1, c.Len())
}

func TestCoalescing_TTLEvictsRegardlessOfCompletion(t *testing.T) {
	c, clock := newTestCoalescing(t, time.Minute)

	first, isNew := c.GetOrCreate("k")
	require.True(t, isNew)
	require.NoError(t, first.Append(batch("partial")))

	clock.Advance(59 * time.Second)
	_, isNew = c.GetOrCreate("k")
	assert.False(t, isNew, "entry must survive until the TTL")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	second, isNew := c.GetOrCreate("k")
	assert.True(t, isNew, "a request after eviction must start a fresh upstream call")
	assert.NotSame(t, first, second)

	// The evicted entry remains readable by subscribers that already hold it.
	assert.Equal(t, 1, first.Len())
}

func TestCoalescing_EvictOnlyRemovesMatchingEntry(t *testing.T) {
	c, _ := newTestCoalescing(t, time.Minute)

	old, _ := c.GetOrCreate("k")
	require.True(t, c.Evict("k", old))
	assert.False(t, c.Evict("k", old), "eviction happens exactly once")

	fresh, isNew := c.GetOrCreate("k")
	require.True(t, isNew)
	assert.False(t, c.Evict("k", old), "stale eviction must not remove a newer entry")

	got, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestCoalescing_StaleTimerDoesNotEvictNewEntry(t *testing.T) {
	c, clock := newTestCoalescing(t, time.Minute)

	old, _ := c.GetOrCreate("k")
	clock.Advance(30 * time.Second)
	require.True(t, c.Evict("k", old))

	fresh, _ := c.GetOrCreate("k")
	clock.Advance(30 * time.Second)

	// The old entry's timer would have fired now; it was stopped on eviction.
	time.Sleep(20 * time.Millisecond)
	got, ok := c.Lookup("k")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCoalescing_GetOrCreateAfterCloseIsDetached(t *testing.T) {
	c, _ := newTestCoalescing(t, time.Minute)
	require.NoError(t, c.Close())

	entry, isNew := c.GetOrCreate("k")
	require.NotNil(t, entry)
	assert.True(t, isNew)
	assert.Zero(t, c.Len())

	_, ok := c.Lookup("k")
	assert.False(t, ok)

	again, isNew := c.GetOrCreate("k")
	assert.True(t, isNew)
	assert.NotSame(t, entry, again)
	assert.False(t, c.Evict("k", entry))
}
