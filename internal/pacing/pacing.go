// Package pacing delivers an already complete set of frames so that it reads
// as a progressive stream.
package pacing

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// FrameWriter writes frames to one client and flushes them.
type FrameWriter interface {
	WriteFrames(frames [][]byte) error
}

// Pacer delivers frames for a request that started at started.
type Pacer interface {
	Deliver(ctx context.Context, w FrameWriter, frames [][]byte, started time.Time) error
}

// Immediate writes every frame at once.
type Immediate struct{}

func (Immediate) Deliver(_ context.Context, w FrameWriter, frames [][]byte, _ time.Time) error {
	if len(frames) == 0 {
		return nil
	}
	return w.WriteFrames(frames)
}

// Heuristic sends a head slice right away, sleeps for a delay derived from
// how long the request has taken so far, then sends the rest.
type Heuristic struct {
	Clock clockwork.Clock

	HeadFraction   float64       // share of the frames after the first sent up front
	HeadExtra      int           // frames added to the head on top of HeadFraction
	TargetRatio    float64       // fraction of elapsed time to aim for
	Offset         int           // milliseconds subtracted with the remaining count
	FloorWait      time.Duration // lower bound before Multiplier
	Multiplier     float64
	SmallThreshold int           // below this many remaining frames SmallFloor applies
	SmallFloor     time.Duration
}

// NewHeuristic returns a Heuristic with the default parameters.
func NewHeuristic(clock clockwork.Clock) *Heuristic {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Heuristic{
		Clock:          clock,
		HeadFraction:   0.05,
		HeadExtra:      3,
		TargetRatio:    0.25,
		Offset:         100,
		FloorWait:      10 * time.Millisecond,
		Multiplier:     2,
		SmallThreshold: 300,
		SmallFloor:     500 * time.Millisecond,
	}
}

// HeadLen is the number of frames sent before the pause.
func (h *Heuristic) HeadLen(total int) int {
	if total == 0 {
		return 0
	}
	head := 1 + int(float64(total-1)*h.HeadFraction) + h.HeadExtra
	return min(head, total)
}

// Wait is the pause before the remaining frames.
//
//	wait = max(elapsed*TargetRatio - (remaining+Offset)ms, FloorWait) * Multiplier
//
// floored at SmallFloor when remaining < SmallThreshold.
func (h *Heuristic) Wait(elapsed time.Duration, remaining int) time.Duration {
	target := time.Duration(float64(elapsed) * h.TargetRatio)
	wait := max(target-time.Duration(remaining+h.Offset)*time.Millisecond, h.FloorWait)
	wait = time.Duration(float64(wait) * h.Multiplier)
	if remaining < h.SmallThreshold {
		wait = max(wait, h.SmallFloor)
	}
	return wait
}

func (h *Heuristic) Deliver(ctx context.Context, w FrameWriter, frames [][]byte, started time.Time) error {
	head := h.HeadLen(len(frames))
	if head == 0 {
		return nil
	}
	if err := w.WriteFrames(frames[:head]); err != nil {
		return err
	}

	rest := frames[head:]
	if len(rest) == 0 {
		return nil
	}

	wait := h.Wait(h.Clock.Since(started), len(rest))
	timer := h.Clock.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
	}
	return w.WriteFrames(rest)
}
