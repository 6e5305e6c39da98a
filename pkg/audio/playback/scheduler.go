// Package playback schedules decoded audio buffers on an output clock for
// gapless, ordered playback with immediate cancellation on barge-in.
//
// Each enqueued buffer starts exactly where the previous one ends, unless it
// arrives late, in which case it starts at the current output time. The set
// of scheduled or playing sources is owned by the [Scheduler]; nothing else
// reads or writes it.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Enqueue] after [Scheduler.DrainAndStop].
var ErrClosed = errors.New("playback: scheduler stopped")

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnDrained registers fn to run whenever the last active source ends
// naturally. fn runs on the output context's callback goroutine and must not
// block. It is not invoked by [Scheduler.Interrupt] or [Scheduler.DrainAndStop].
func WithOnDrained(fn func()) Option {
	return func(s *Scheduler) { s.onDrained = fn }
}

// WithOnScheduled registers fn to observe how far ahead of the output clock
// each buffer was scheduled. A zero lead means the buffer arrived late.
func WithOnScheduled(fn func(lead time.Duration)) Option {
	return func(s *Scheduler) { s.onScheduled = fn }
}

// Scheduler places [audio.PlaybackBuffer]s back to back on an
// [audio.OutputContext]. All methods are safe for concurrent use; ended
// callbacks from the output context may arrive on any goroutine.
type Scheduler struct {
	out         audio.OutputContext
	onDrained   func()
	onScheduled func(time.Duration)

	mu     sync.Mutex
	next   time.Duration
	active map[audio.BufferSource]struct{}
	closed bool
}

// New creates a Scheduler rendering to out. The scheduler borrows out; it
// never closes it.
func New(out audio.OutputContext, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[audio.BufferSource]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start at max(next start time, output clock) and
// advances the next start time by the buffer's duration.
func (s *Scheduler) Enqueue(buf *audio.PlaybackBuffer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	now := s.out.Now()
	start := max(s.next, now)

	src, err := s.out.CreateBufferSource(buf)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("playback: create source: %w", err)
	}
	src.OnEnded(func() { s.ended(src) })

	// Register before Start: a zero-length buffer may end synchronously.
	s.active[src] = struct{}{}
	prev := s.next
	end := start + buf.Duration()
	s.next = end
	s.mu.Unlock()

	if err := src.Start(start); err != nil {
		s.mu.Lock()
		delete(s.active, src)
		// A buffer that never plays must not leave silence behind, unless a
		// later Enqueue or Interrupt has moved the timeline since.
		if s.next == end {
			s.next = prev
		}
		s.mu.Unlock()
		return fmt.Errorf("playback: start source: %w", err)
	}

	if s.onScheduled != nil {
		s.onScheduled(start - now)
	}
	return nil
}

// ended removes src exactly once. When the removal empties the set, the
// drained callback fires outside the lock.
func (s *Scheduler) ended(src audio.BufferSource) {
	s.mu.Lock()
	if _, ok := s.active[src]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, src)
	drained := len(s.active) == 0 && !s.closed
	s.mu.Unlock()

	if drained && s.onDrained != nil {
		s.onDrained()
	}
}

// Interrupt force-stops every active source, clears the set and resets the
// next start time to the clock origin so the next buffer plays from "now".
// It runs entirely on the caller's goroutine and never waits for the output
// context.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	srcs := s.takeAllLocked()
	s.next = 0
	s.mu.Unlock()
	stopAll(srcs)
}

// DrainAndStop force-stops every source regardless of state and rejects any
// further [Scheduler.Enqueue]. Idempotent.
func (s *Scheduler) DrainAndStop() {
	s.mu.Lock()
	srcs := s.takeAllLocked()
	s.next = 0
	s.closed = true
	s.mu.Unlock()
	stopAll(srcs)
}

// takeAllLocked empties the active set before any node is stopped, so ended
// callbacks triggered by the stops find nothing to remove.
func (s *Scheduler) takeAllLocked() []audio.BufferSource {
	srcs := make([]audio.BufferSource, 0, len(s.active))
	for src := range s.active {
		srcs = append(srcs, src)
	}
	clear(s.active)
	return srcs
}

func stopAll(srcs []audio.BufferSource) {
	for _, src := range srcs {
		if err := src.Stop(); err != nil {
			slog.Debug("playback: stop source", "err", err)
		}
	}
}

// Active returns the number of scheduled or playing sources.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStartTime returns the output clock time at which the next buffer would
// start if it arrived now and the clock were behind it.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
