// Package capture turns live microphone blocks into PCM16 chunks for a
// streaming transport without ever blocking the audio thread.
//
// Each block delivered by the processing node is encoded and pushed into a
// bounded queue; a single sender goroutine drains the queue in capture order.
// When the queue is full the chunk is dropped. The raw block is also handed
// to an optional [Tap] (the level meter) before encoding.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/livevoice/pkg/audio"
)

const defaultQueueSize = 32

// ErrSendFailed wraps the error reported through [WithOnSendFailure].
var ErrSendFailed = errors.New("capture: repeated send failures")

// Sender is the outgoing half of a transport.
type Sender interface {
	SendRealtimeAudio(pcm []byte) error
}

// Tap receives every raw capture block. Write is called on the audio thread
// and must not block or retain samples.
type Tap interface {
	Write(samples []float32)
}

// Breaker guards sends. Execute either runs fn and returns its error, or
// rejects the call without running fn once too many calls have failed.
type Breaker interface {
	Execute(fn func() error) error
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Captured int64 // blocks accepted into the send queue
	Sent     int64 // chunks delivered to the transport
	Dropped  int64 // chunks dropped on a full queue or an open breaker
	Failed   int64 // sends that returned an error
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithQueueSize sets the send queue capacity in chunks. Default: 32.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithTap fans every raw block out to t.
func WithTap(t Tap) Option {
	return func(p *Pipeline) { p.tap = t }
}

// WithBreaker routes sends through b. Without a breaker, failed sends are
// counted but never escalated.
func WithBreaker(b Breaker) Option {
	return func(p *Pipeline) { p.breaker = b }
}

// WithOnSendFailure registers fn to run once, on the sender goroutine, when
// the breaker starts rejecting sends.
func WithOnSendFailure(fn func(error)) Option {
	return func(p *Pipeline) { p.onFailure = fn }
}

// ── Pipeline ───────────────────────────────────────────────────────────────────

// Pipeline is a running capture-to-transport stream.
type Pipeline struct {
	send      Sender
	tap       Tap
	breaker   Breaker
	onFailure func(error)
	queueSize int

	node   audio.ProcessingNode
	queue  chan []byte
	done   chan struct{}
	exited chan struct{}

	stopped   atomic.Bool
	escalated atomic.Bool
	stopOnce  sync.Once
	stopErr   error
	warnDrop  sync.Once

	captured, sent, dropped, failed atomic.Int64
}

// Start connects a processing node for src on in and begins forwarding
// blocks to send. Node creation failures are reported as [audio.ErrDevice].
func Start(in audio.InputContext, src audio.MediaSource, blockSize int, send Sender, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		send:      send,
		queueSize: defaultQueueSize,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make(chan []byte, p.queueSize)

	go p.sendLoop()

	node, err := in.CreateProcessingNode(src, blockSize, 1, p.onBlock)
	if err != nil {
		p.stopped.Store(true)
		close(p.done)
		<-p.exited
		if errors.Is(err, audio.ErrDevice) {
			return nil, fmt.Errorf("capture: create processing node: %w", err)
		}
		return nil, fmt.Errorf("capture: create processing node: %w: %w", audio.ErrDevice, err)
	}
	p.node = node
	return p, nil
}

// onBlock runs on the audio thread.
func (p *Pipeline) onBlock(frame audio.AudioFrame) {
	if p.stopped.Load() {
		return
	}
	if p.tap != nil {
		p.tap.Write(frame.Samples)
	}
	pcm := audio.EncodePCM16(frame.Samples)
	select {
	case p.queue <- pcm:
		p.captured.Add(1)
	default:
		p.dropped.Add(1)
		p.warnDrop.Do(func() {
			slog.Warn("capture: send queue full, dropping chunks", "queue_size", p.queueSize)
		})
	}
}

func (p *Pipeline) sendLoop() {
	defer close(p.exited)
	for {
		select {
		case <-p.done:
			return
		case pcm := <-p.queue:
			if p.stopped.Load() {
				return
			}
			p.deliver(pcm)
		}
	}
}

func (p *Pipeline) deliver(pcm []byte) {
	if p.breaker == nil {
		if err := p.send.SendRealtimeAudio(pcm); err != nil {
			p.failed.Add(1)
			slog.Debug("capture: send failed", "err", err)
			return
		}
		p.sent.Add(1)
		return
	}

	called := false
	err := p.breaker.Execute(func() error {
		called = true
		return p.send.SendRealtimeAudio(pcm)
	})
	switch {
	case err == nil:
		p.sent.Add(1)
	case called:
		p.failed.Add(1)
		slog.Debug("capture: send failed", "err", err)
	default:
		// Rejected by the breaker without reaching the transport.
		p.dropped.Add(1)
		if p.escalated.CompareAndSwap(false, true) && p.onFailure != nil && !p.stopped.Load() {
			p.onFailure(fmt.Errorf("%w: %w", ErrSendFailed, err))
		}
	}
}

// Stop disconnects the processing node and signals the sender goroutine to
// exit. It does not wait for an in-flight send; queued chunks are discarded.
// Idempotent; only the first call can return an error.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		if p.node != nil {
			if err := p.node.Disconnect(); err != nil {
				p.stopErr = fmt.Errorf("capture: disconnect: %w", err)
			}
		}
		close(p.done)
	})
	return p.stopErr
}

// Wait blocks until the sender goroutine has exited after [Pipeline.Stop].
func (p *Pipeline) Wait() {
	<-p.exited
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Captured: p.captured.Load(),
		Sent:     p.sent.Load(),
		Dropped:  p.dropped.Load(),
		Failed:   p.failed.Load(),
	}
}
