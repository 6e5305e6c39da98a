// Package mock provides scripted in-memory implementations of
// [transport.Dialer] and [transport.Conn] for use in unit tests.
//
// Tests push server events with [Conn.Push] and finish the stream with
// [Conn.End]. Every send is recorded and every method call is counted.
//
// Typical usage:
//
//	d := &mock.Dialer{}
//	// ... start the component under test with d ...
//	c := d.LastConn()
//	c.Push(transport.Event{Type: transport.EventOpen})
//	c.Push(transport.Event{Type: transport.EventClose})
//	c.End()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livevoice/pkg/transport"
)

// Compile-time assertions.
var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock implementation of [transport.Dialer].
type Dialer struct {
	mu sync.Mutex

	// OpenError is returned by [Dialer.Open] when non-nil.
	OpenError error

	// Gate, when non-nil, makes Open block until the channel is closed or ctx
	// is done.
	Gate chan struct{}

	// SendError is copied into every created [Conn].
	SendError error

	// AutoOpen makes every created Conn emit [transport.EventOpen] immediately.
	AutoOpen bool

	// Conns records every connection handed out.
	Conns []*Conn

	// Configs records the config passed to every Open call.
	Configs []transport.Config

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [transport.Dialer].
func (d *Dialer) Open(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	d.mu.Lock()
	d.CallCountOpen++
	d.Configs = append(d.Configs, cfg)
	gate := d.Gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	c := NewConn()
	c.SendError = d.SendError
	if d.AutoOpen {
		c.Push(transport.Event{Type: transport.EventOpen})
	}
	d.Conns = append(d.Conns, c)
	return c, nil
}

// LastConn returns the most recently opened connection, or nil.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Conns) == 0 {
		return nil
	}
	return d.Conns[len(d.Conns)-1]
}

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock implementation of [transport.Conn]. Its event channel is
// buffered; Push blocks once the buffer is full until the consumer reads.
type Conn struct {
	mu sync.Mutex

	// SendError is returned by [Conn.SendRealtimeAudio] when non-nil.
	SendError error

	// Sent records every chunk passed to SendRealtimeAudio, in order.
	Sent [][]byte

	// CallCountClose records how many times Close was called.
	CallCountClose int

	events chan transport.Event
	ended  bool
	closed bool
}

// NewConn returns a connection with an empty event stream.
func NewConn() *Conn {
	return &Conn{events: make(chan transport.Event, 256)}
}

// Push appends ev to the event stream. It reports false once the stream has
// ended.
func (c *Conn) Push(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.events <- ev
	return true
}

// End closes the event stream. Safe to call more than once.
func (c *Conn) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ended {
		c.ended = true
		close(c.events)
	}
}

// SendRealtimeAudio implements [transport.Conn].
func (c *Conn) SendRealtimeAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.SendError != nil {
		return c.SendError
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.Sent = append(c.Sent, cp)
	return nil
}

// SetSendError changes the error returned by subsequent sends.
func (c *Conn) SetSendError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SendError = err
}

// Events implements [transport.Conn].
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Close implements [transport.Conn]. The first call ends the event stream
// without a terminal event.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.CallCountClose++
	c.closed = true
	c.mu.Unlock()
	c.End()
	return nil
}

// Closed reports whether Close has been called at least once.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// SentChunks returns a snapshot of the recorded sends.
func (c *Conn) SentChunks() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.Sent))
	copy(out, c.Sent)
	return out
}
