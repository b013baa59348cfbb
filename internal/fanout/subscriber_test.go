package fanout

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenrelay-gateway/internal/cache"
	"tokenrelay-gateway/pkg/types"
)

func newEntry(t *testing.T) *cache.Entry {
	t.Helper()
	c := cache.NewCoalescing(cache.CoalescingConfig{TTL: time.Hour})
	t.Cleanup(func() { _ = c.Close() })
	e, _ := c.GetOrCreate(t.Name())
	return e
}

func texts(batches []types.TokenBatch) []string {
	var out []string
	for _, b := range batches {
		for _, ev := range b {
			out = append(out, ev.Text)
		}
	}
	return out
}

func drain(t *testing.T, s *Subscriber) ([]string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var got []string
	for {
		batches, err := s.Next(ctx)
		if err != nil {
			return got, err
		}
		got = append(got, texts(batches)...)
	}
}

func TestSubscriber_LateJoinerReplaysThenTracksTail(t *testing.T) {
	e := newEntry(t)
	require.NoError(t, e.Append(types.TokenBatch{{Text: "a"}}))
	require.NoError(t, e.Append(types.TokenBatch{{Text: "b"}, {Text: "c"}}))

	s := Subscribe(e)
	defer s.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = e.Append(types.TokenBatch{{Text: "d"}})
		_ = e.Append(types.TokenBatch{})
		_ = e.Seal()
	}()

	got, err := drain(t, s)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
	assert.Equal(t, 4, s.Offset())
}

func TestSubscriber_IndependentCursors(t *testing.T) {
	e := newEntry(t)
	fast := Subscribe(e)
	slow := Subscribe(e)

	for _, txt := range []string{"x", "y", "z"} {
		require.NoError(t, e.Append(types.TokenBatch{{Text: txt}}))
	}
	require.NoError(t, e.Seal())

	got, err := drain(t, fast)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"x", "y", "z"}, got)

	// The slow reader never blocked the producer and still sees everything.
	got, err = drain(t, slow)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{"x", "y", "z"}, got)
}

func TestSubscriber_UpstreamFailureWakesWaiter(t *testing.T) {
	e := newEntry(t)
	require.NoError(t, e.Append(types.TokenBatch{{Text: "a"}}))
	s := Subscribe(e)

	boom := errors.New("boom")
	go func() {
		time.Sleep(10 * time.Millisecond)
		e.Fail(boom)
	}()

	got, err := drain(t, s)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a"}, got, "data buffered before the failure is still delivered")
}

func TestSubscriber_DeadlineEndsStream(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := newEntry(t)
	require.NoError(t, e.Append(types.TokenBatch{{Text: "a"}}))

	s := Subscribe(e, WithDeadline(DefaultWaitBound), WithClock(clock))
	defer s.Close()

	batches, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, batches, 1)

	done := make(chan error, 1)
	go func() {
		_, err := s.Next(context.Background())
		done <- err
	}()

	clock.Advance(DefaultWaitBound)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrStreamTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not time out")
	}
	assert.False(t, e.Done(), "a subscriber timeout must not touch the shared entry")
}

func TestSubscriber_ContextCancel(t *testing.T) {
	e := newEntry(t)
	s := Subscribe(e)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
