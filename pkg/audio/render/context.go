// Package render provides a software [audio.OutputContext]: a sample-accurate
// mixer whose clock advances as a device callback pulls rendered samples.
//
// Buffer sources are scheduled on the context's clock and summed into the
// output during [Context.Render]. Ended callbacks never run on the render
// path; a dispatcher goroutine invokes them in completion order.
package render

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrClosed is returned by operations on a closed [Context].
var ErrClosed = errors.New("render: context closed")

// Compile-time assertions.
var _ audio.OutputContext = (*Context)(nil)
var _ audio.BufferSource = (*source)(nil)

// Context is a software output context. Render must be called from a single
// goroutine (the device callback); all other methods are safe for concurrent
// use.
type Context struct {
	rate     int
	channels int

	mu      sync.Mutex
	pos     int64 // frames rendered so far
	playing []*source
	pending []func()
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Context rendering at sampleRate with the given number of
// interleaved output channels.
func New(sampleRate, channels int) (*Context, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("render: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("render: invalid channel count %d", channels)
	}
	c := &Context{
		rate:     sampleRate,
		channels: channels,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.dispatch()
	return c, nil
}

// SampleRate returns the output rate in Hz.
func (c *Context) SampleRate() int { return c.rate }

// Channels returns the interleaved output channel count.
func (c *Context) Channels() int { return c.channels }

// Now returns the output clock: the number of frames rendered so far
// expressed as a duration.
func (c *Context) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesToDuration(c.pos)
}

// Playing returns the number of sources that are scheduled or audible.
func (c *Context) Playing() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.playing)
}

// CreateBufferSource binds buf to a new source. The buffer's sample rate must
// match the context; multi-channel buffers are downmixed to mono on a mono
// context and mono buffers are duplicated across channels otherwise.
func (c *Context) CreateBufferSource(buf *audio.PlaybackBuffer) (audio.BufferSource, error) {
	if buf == nil {
		return nil, fmt.Errorf("render: nil buffer")
	}
	if buf.SampleRate != c.rate {
		return nil, fmt.Errorf("render: buffer rate %d does not match context rate %d", buf.SampleRate, c.rate)
	}
	if buf.Channels > 1 && c.channels > 1 && buf.Channels != c.channels {
		return nil, fmt.Errorf("render: cannot map %d buffer channels onto %d output channels", buf.Channels, c.channels)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	samples := buf.Samples
	if buf.Channels > 1 && c.channels == 1 {
		samples = audio.DownmixFloat(samples, buf.Channels)
	}
	return &source{ctx: c, samples: samples, mono: buf.Channels == 1 || c.channels == 1}, nil
}

// Render mixes every audible source into dst and advances the clock by
// len(dst)/channels frames. dst is overwritten; gaps render as silence.
func (c *Context) Render(dst []float32) {
	for i := range dst {
		dst[i] = 0
	}
	frames := int64(len(dst) / c.channels)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	from := c.pos
	to := from + frames
	kept := c.playing[:0]
	for _, s := range c.playing {
		s.mix(dst, from, to, c.channels)
		if s.end() <= to {
			s.finishLocked()
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(c.playing); i++ {
		c.playing[i] = nil
	}
	c.playing = kept
	c.pos = to
	c.mu.Unlock()

	for i, v := range dst {
		if v > 1 {
			dst[i] = 1
		} else if v < -1 {
			dst[i] = -1
		}
	}
}

// Close stops every source, fires outstanding ended callbacks and stops the
// dispatcher. Idempotent.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, s := range c.playing {
			s.finishLocked()
		}
		c.playing = nil
		c.mu.Unlock()
		c.signal()
		close(c.done)
	})
	return nil
}

// dispatch runs ended callbacks outside the render path.
func (c *Context) dispatch() {
	for {
		select {
		case <-c.wake:
			c.runPending()
		case <-c.done:
			c.runPending()
			return
		}
	}
}

func (c *Context) runPending() {
	c.mu.Lock()
	fns := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Context) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Context) durationToFrames(d time.Duration) int64 {
	// Round to the nearest frame so that back-to-back schedules computed in
	// nanoseconds land on adjacent frames.
	return (int64(d)*int64(c.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (c *Context) framesToDuration(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / int64(c.rate))
}

// ── source ────────────────────────────────────────────────────────────────────

type source struct {
	ctx     *Context
	samples []float32
	mono    bool

	// guarded by ctx.mu
	start   int64
	started bool
	ended   bool
	onEnded func()
}

func (s *source) frames() int64 {
	if s.mono {
		return int64(len(s.samples))
	}
	return int64(len(s.samples) / s.ctx.channels)
}

func (s *source) end() int64 { return s.start + s.frames() }

// Start schedules the source. A start time earlier than the current clock
// plays immediately.
func (s *source) Start(at time.Duration) error {
	c := s.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if s.started {
		return fmt.Errorf("render: source already started")
	}
	s.started = true
	if s.ended {
		return nil
	}
	start := c.durationToFrames(at)
	if start < c.pos {
		start = c.pos
	}
	s.start = start
	if s.frames() == 0 {
		s.finishLocked()
		c.signal()
		return nil
	}
	c.playing = append(c.playing, s)
	return nil
}

// Stop removes the source from the mix. Stopping an ended source is a no-op.
func (s *source) Stop() error {
	c := s.ctx
	c.mu.Lock()
	if s.ended {
		c.mu.Unlock()
		return nil
	}
	for i, p := range c.playing {
		if p == s {
			c.playing = append(c.playing[:i], c.playing[i+1:]...)
			break
		}
	}
	s.finishLocked()
	c.mu.Unlock()
	c.signal()
	return nil
}

// OnEnded registers fn to run once the source ends.
func (s *source) OnEnded(fn func()) {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	s.onEnded = fn
}

// finishLocked marks the source ended and queues its callback. Must be called
// with ctx.mu held.
func (s *source) finishLocked() {
	if s.ended {
		return
	}
	s.ended = true
	if s.onEnded != nil {
		s.ctx.pending = append(s.ctx.pending, s.onEnded)
	}
	s.ctx.signal()
}

// mix adds the part of the source overlapping [from, to) into dst.
func (s *source) mix(dst []float32, from, to int64, channels int) {
	lo := max(s.start, from)
	hi := min(s.end(), to)
	for f := lo; f < hi; f++ {
		i := f - s.start
		o := int(f-from) * channels
		if s.mono {
			v := s.samples[i]
			for ch := range channels {
				dst[o+ch] += v
			}
			continue
		}
		for ch := range channels {
			dst[o+ch] += s.samples[int(i)*channels+ch]
		}
	}
}
