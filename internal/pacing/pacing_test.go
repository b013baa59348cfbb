package pacing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	writes int
}

func (r *recorder) WriteFrames(frames [][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frames...)
	r.writes++
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func makeFrames(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("data: %d\n\n", i))
	}
	return out
}

func TestHeadLen(t *testing.T) {
	h := NewHeuristic(nil)

	assert.Equal(t, 0, h.HeadLen(0))
	assert.Equal(t, 1, h.HeadLen(1))
	assert.Equal(t, 4, h.HeadLen(4))
	assert.Equal(t, 4, h.HeadLen(20))
	assert.Equal(t, 1+5+3, h.HeadLen(101))
}

func TestWait(t *testing.T) {
	h := NewHeuristic(nil)

	tests := []struct {
		name      string
		elapsed   time.Duration
		remaining int
		want      time.Duration
	}{
		{"small answer floors at 500ms", 100 * time.Millisecond, 10, 500 * time.Millisecond},
		{"elapsed drives wait", 4 * time.Second, 16, 1768 * time.Millisecond},
		{"large answer floors at 10ms", 0, 1000, 20 * time.Millisecond},
		{"large answer after long elapsed", 10 * time.Second, 400, 4 * time.Second},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, h.Wait(tc.elapsed, tc.remaining))
		})
	}
}

func TestHeuristicDeliver(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := NewHeuristic(clock)

	started := clock.Now()
	clock.Advance(4 * time.Second)

	frames := makeFrames(20)
	w := &recorder{}

	done := make(chan error, 1)
	go func() { done <- h.Deliver(context.Background(), w, frames, started) }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 4, w.count())

	clock.Advance(1767 * time.Millisecond)
	assert.Equal(t, 4, w.count())

	clock.Advance(time.Millisecond)
	require.NoError(t, <-done)
	assert.Equal(t, frames, w.frames)
	assert.Equal(t, 2, w.writes)
}

func TestHeuristicDeliverCanceled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := NewHeuristic(clock)
	w := &recorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Deliver(ctx, w, makeFrames(10), clock.Now()) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 4, w.count())
}

func TestHeuristicShortAnswerNoPause(t *testing.T) {
	h := NewHeuristic(clockwork.NewFakeClock())
	w := &recorder{}

	require.NoError(t, h.Deliver(context.Background(), w, makeFrames(3), time.Time{}))
	assert.Equal(t, 3, w.count())
	assert.Equal(t, 1, w.writes)
}

func TestImmediate(t *testing.T) {
	w := &recorder{}
	require.NoError(t, Immediate{}.Deliver(context.Background(), w, makeFrames(50), time.Now()))
	assert.Equal(t, 50, w.count())
	assert.Equal(t, 1, w.writes)

	require.NoError(t, Immediate{}.Deliver(context.Background(), w, nil, time.Now()))
	assert.Equal(t, 1, w.writes)
}
