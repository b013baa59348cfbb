// Package fanout lets any number of readers follow one cache entry's token
// buffer. Each Subscriber replays the buffer from offset zero and then tracks
// the live tail, independently of every other subscriber and of the producer.
package fanout

import (
	"context"
	"io"
	"time"

	"github.com/jonboulle/clockwork"

	"tokenrelay-gateway/internal/cache"
	"tokenrelay-gateway/pkg/types"
)

const DefaultWaitBound = 10 * time.Second

type options struct {
	deadline time.Duration
	clock    clockwork.Clock
}

type Option func(*options)

// WithDeadline bounds the subscriber's lifetime from the moment it attaches.
// Zero disables the bound.
func WithDeadline(d time.Duration) Option {
	return func(o *options) { o.deadline = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// Subscriber is a read cursor into one entry. It is not safe for concurrent use;
// each outbound connection owns its own.
type Subscriber struct {
	entry  *cache.Entry
	cursor int
	expire <-chan time.Time
	timer  clockwork.Timer
}

// Subscribe attaches a new cursor at offset zero.
func Subscribe(entry *cache.Entry, opts ...Option) *Subscriber {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Subscriber{entry: entry}
	if o.deadline > 0 {
		s.timer = o.clock.NewTimer(o.deadline)
		s.expire = s.timer.Chan()
	}
	return s
}

// Next blocks until at least one unread batch is available and returns all of
// them in order. It returns io.EOF after the sentinel, the entry's error if the
// upstream failed, types.ErrStreamTimeout once the deadline passed, or ctx.Err().
func (s *Subscriber) Next(ctx context.Context) ([]types.TokenBatch, error) {
	for {
		snap := s.entry.Snapshot(s.cursor)
		if len(snap.Batches) > 0 {
			s.cursor += len(snap.Batches)
			return snap.Batches, nil
		}
		if snap.Sealed {
			if snap.Err != nil {
				return nil, snap.Err
			}
			return nil, io.EOF
		}

		select {
		case <-snap.Changed:
		case <-s.expire:
			return nil, types.ErrStreamTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Offset is the number of batches consumed so far.
func (s *Subscriber) Offset() int { return s.cursor }

// Close releases the deadline timer.
func (s *Subscriber) Close() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
