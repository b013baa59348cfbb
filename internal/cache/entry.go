package cache

import (
	"fmt"
	"sync"
	"time"

	"tokenrelay-gateway/pkg/types"
)

// Entry is the append-only token buffer of one upstream generation.
//
// One goroutine (the upstream reader) writes; any number of subscribers read.
// Every state change closes the current notify channel and installs a new one,
// so readers wait with a plain select and never hold the lock while suspended.
type Entry struct {
	key       string
	createdAt time.Time

	mu      sync.RWMutex
	batches []types.TokenBatch
	sealed  bool
	err     error
	notify  chan struct{}
}

func newEntry(key string, now time.Time) *Entry {
	return &Entry{
		key:       key,
		createdAt: now,
		notify:    make(chan struct{}),
	}
}

func (e *Entry) Key() string          { return e.key }
func (e *Entry) CreatedAt() time.Time { return e.createdAt }

// Append adds one batch. It fails with types.ErrSealed after Seal or Fail.
func (e *Entry) Append(batch types.TokenBatch) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return fmt.Errorf("append to %q: %w", e.key, types.ErrSealed)
	}
	e.batches = append(e.batches, batch)
	e.broadcastLocked()
	return nil
}

// Seal appends the sentinel. The buffer is immutable afterwards.
func (e *Entry) Seal() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return fmt.Errorf("seal %q: %w", e.key, types.ErrSealed)
	}
	e.sealed = true
	e.broadcastLocked()
	return nil
}

// Fail seals the buffer with err; waiting readers receive it once they have
// consumed the batches buffered before the failure.
func (e *Entry) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sealed {
		return
	}
	e.sealed = true
	e.err = err
	e.broadcastLocked()
}

func (e *Entry) broadcastLocked() {
	close(e.notify)
	e.notify = make(chan struct{})
}

// Snapshot is a consistent view of the buffer past some offset.
type Snapshot struct {
	Batches []types.TokenBatch
	Sealed  bool
	Err     error
	// Changed is closed on the next Append, Seal or Fail.
	Changed <-chan struct{}
}

// Snapshot returns the batches from offset on together with the terminal state.
func (e *Entry) Snapshot(from int) Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Snapshot{Sealed: e.sealed, Err: e.err, Changed: e.notify}
	if from < len(e.batches) {
		// Capacity is clipped so the reader can never observe a later append.
		s.Batches = e.batches[from:len(e.batches):len(e.batches)]
	}
	return s
}

// Len returns the number of buffered batches.
func (e *Entry) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.batches)
}

// Done reports whether the sentinel (or a failure) has been recorded.
func (e *Entry) Done() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sealed
}

// Tokens flattens all buffered batches.
func (e *Entry) Tokens() []types.TokenEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []types.TokenEvent
	for _, b := range e.batches {
		out = append(out, b...)
	}
	return out
}
