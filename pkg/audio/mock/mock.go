// Package mock provides in-memory mock implementations of the [audio.Host]
// capability interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	host := &mock.Host{}
//	mic, _ := host.RequestMicrophone(ctx)
//	in, _ := host.NewInputContext(16000)
//	node, _ := in.CreateProcessingNode(mic, 4096, 1, onBlock)
//	host.LastInput().LastNode().Emit(samples) // drives onBlock
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// Compile-time assertions.
var (
	_ audio.Host           = (*Host)(nil)
	_ audio.MediaSource    = (*MediaSource)(nil)
	_ audio.Track          = (*Track)(nil)
	_ audio.InputContext   = (*InputContext)(nil)
	_ audio.ProcessingNode = (*ProcessingNode)(nil)
	_ audio.OutputContext  = (*OutputContext)(nil)
	_ audio.BufferSource   = (*BufferSource)(nil)
)

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host]. Every successful call creates
// a fresh mock resource and records it so tests can inspect it afterwards.
type Host struct {
	mu sync.Mutex

	// MicError is returned by [Host.RequestMicrophone] when non-nil.
	MicError error

	// MicGate, when non-nil, makes RequestMicrophone block until the channel
	// is closed or ctx is done, simulating a pending permission prompt.
	MicGate chan struct{}

	// TracksPerMic is the number of tracks per acquired microphone. Default 1.
	TracksPerMic int

	// InputContextError is returned by [Host.NewInputContext] when non-nil.
	InputContextError error

	// OutputContextError is returned by [Host.NewOutputContext] when non-nil.
	OutputContextError error

	// CreateNodeError is copied into every created [InputContext].
	CreateNodeError error

	// Mics, Inputs and Outputs record every resource handed out.
	Mics    []*MediaSource
	Inputs  []*InputContext
	Outputs []*OutputContext

	// CallCountRequestMicrophone records how many times RequestMicrophone was called.
	CallCountRequestMicrophone int
}

// RequestMicrophone implements [audio.Host].
func (h *Host) RequestMicrophone(ctx context.Context) (audio.MediaSource, error) {
	h.mu.Lock()
	h.CallCountRequestMicrophone++
	gate := h.MicGate
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.MicError != nil {
		return nil, h.MicError
	}
	n := h.TracksPerMic
	if n <= 0 {
		n = 1
	}
	m := &MediaSource{}
	for range n {
		m.TrackList = append(m.TrackList, &Track{})
	}
	h.Mics = append(h.Mics, m)
	return m, nil
}

// NewInputContext implements [audio.Host].
func (h *Host) NewInputContext(sampleRate int) (audio.InputContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.InputContextError != nil {
		return nil, h.InputContextError
	}
	in := &InputContext{SampleRate: sampleRate, CreateNodeError: h.CreateNodeError}
	h.Inputs = append(h.Inputs, in)
	return in, nil
}

// NewOutputContext implements [audio.Host].
func (h *Host) NewOutputContext(sampleRate int) (audio.OutputContext, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OutputContextError != nil {
		return nil, h.OutputContextError
	}
	out := &OutputContext{SampleRate: sampleRate}
	h.Outputs = append(h.Outputs, out)
	return out, nil
}

// LastMic returns the most recently acquired microphone, or nil.
func (h *Host) LastMic() *MediaSource {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Mics) == 0 {
		return nil
	}
	return h.Mics[len(h.Mics)-1]
}

// LastInput returns the most recently created input context, or nil.
func (h *Host) LastInput() *InputContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Inputs) == 0 {
		return nil
	}
	return h.Inputs[len(h.Inputs)-1]
}

// LastOutput returns the most recently created output context, or nil.
func (h *Host) LastOutput() *OutputContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.Outputs) == 0 {
		return nil
	}
	return h.Outputs[len(h.Outputs)-1]
}

// ─── MediaSource / Track ──────────────────────────────────────────────────────

// MediaSource is a mock implementation of [audio.MediaSource].
type MediaSource struct {
	TrackList []*Track
}

// Tracks implements [audio.MediaSource].
func (m *MediaSource) Tracks() []audio.Track {
	out := make([]audio.Track, len(m.TrackList))
	for i, t := range m.TrackList {
		out[i] = t
	}
	return out
}

// Track is a mock implementation of [audio.Track].
type Track struct {
	mu sync.Mutex

	// StopError is returned by [Track.Stop].
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Stop implements [audio.Track].
func (t *Track) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CallCountStop++
	return t.StopError
}

// Stopped reports whether Stop has been called at least once.
func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CallCountStop > 0
}

// ─── InputContext / ProcessingNode ────────────────────────────────────────────

// InputContext is a mock implementation of [audio.InputContext].
type InputContext struct {
	mu sync.Mutex

	SampleRate int

	// CreateNodeError is returned by [InputContext.CreateProcessingNode].
	CreateNodeError error

	// CloseError is returned by [InputContext.Close].
	CloseError error

	// Nodes records every created processing node.
	Nodes []*ProcessingNode

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// CreateProcessingNode implements [audio.InputContext].
func (c *InputContext) CreateProcessingNode(src audio.MediaSource, blockSize, channels int, onBlock func(audio.AudioFrame)) (audio.ProcessingNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateNodeError != nil {
		return nil, c.CreateNodeError
	}
	n := &ProcessingNode{
		Source:     src,
		BlockSize:  blockSize,
		Channels:   channels,
		sampleRate: c.SampleRate,
		onBlock:    onBlock,
	}
	c.Nodes = append(c.Nodes, n)
	return n, nil
}

// Close implements [audio.InputContext].
func (c *InputContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return c.CloseError
}

// Closed reports whether Close has been called at least once.
func (c *InputContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// LastNode returns the most recently created processing node, or nil.
func (c *InputContext) LastNode() *ProcessingNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Nodes) == 0 {
		return nil
	}
	return c.Nodes[len(c.Nodes)-1]
}

// ProcessingNode is a mock implementation of [audio.ProcessingNode]. Tests
// drive the capture callback through [ProcessingNode.Emit].
type ProcessingNode struct {
	mu sync.Mutex

	Source    audio.MediaSource
	BlockSize int
	Channels  int

	// DisconnectError is returned by [ProcessingNode.Disconnect].
	DisconnectError error

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int

	sampleRate   int
	onBlock      func(audio.AudioFrame)
	disconnected bool
	emitted      int
}

// Emit delivers samples to the capture callback as one block. It returns
// false without calling back once the node has been disconnected.
func (n *ProcessingNode) Emit(samples []float32) bool {
	n.mu.Lock()
	if n.disconnected {
		n.mu.Unlock()
		return false
	}
	fn := n.onBlock
	ts := samplesToDuration(n.emitted, n.sampleRate)
	n.emitted += len(samples)
	n.mu.Unlock()

	fn(audio.AudioFrame{Samples: samples, SampleRate: n.sampleRate, Timestamp: ts})
	return true
}

// Disconnect implements [audio.ProcessingNode].
func (n *ProcessingNode) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.CallCountDisconnect++
	n.disconnected = true
	return n.DisconnectError
}

// Disconnected reports whether Disconnect has been called.
func (n *ProcessingNode) Disconnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.disconnected
}

// ─── OutputContext / BufferSource ─────────────────────────────────────────────

// OutputContext is a mock implementation of [audio.OutputContext] with a
// manually driven clock.
type OutputContext struct {
	mu sync.Mutex

	SampleRate int

	// CreateSourceError is returned by [OutputContext.CreateBufferSource].
	CreateSourceError error

	// StartSourceError is copied into every created source's StartError.
	StartSourceError error

	// CloseError is returned by [OutputContext.Close].
	CloseError error

	// Sources records every created buffer source in creation order.
	Sources []*BufferSource

	// CallCountClose records how many times Close was called.
	CallCountClose int

	now time.Duration
}

// Now implements [audio.OutputContext].
func (c *OutputContext) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetNow moves the clock to d.
func (c *OutputContext) SetNow(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

// CreateBufferSource implements [audio.OutputContext].
func (c *OutputContext) CreateBufferSource(buf *audio.PlaybackBuffer) (audio.BufferSource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateSourceError != nil {
		return nil, c.CreateSourceError
	}
	s := &BufferSource{Buffer: buf, StartError: c.StartSourceError}
	c.Sources = append(c.Sources, s)
	return s, nil
}

// Close implements [audio.OutputContext].
func (c *OutputContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return c.CloseError
}

// Closed reports whether Close has been called at least once.
func (c *OutputContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose > 0
}

// SourceList returns a snapshot of the created sources.
func (c *OutputContext) SourceList() []*BufferSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*BufferSource, len(c.Sources))
	copy(out, c.Sources)
	return out
}

// BufferSource is a mock implementation of [audio.BufferSource]. Natural
// completion is simulated with [BufferSource.FireEnded]; Stop also fires the
// ended callback, as a real output node does.
type BufferSource struct {
	mu sync.Mutex

	Buffer *audio.PlaybackBuffer

	// StartError is returned by [BufferSource.Start].
	StartError error

	// StopError is returned by [BufferSource.Stop].
	StopError error

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	startAt time.Duration
	started bool
	ended   bool
	onEnded func()
}

// Start implements [audio.BufferSource].
func (s *BufferSource) Start(at time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartError != nil {
		return s.StartError
	}
	s.startAt = at
	s.started = true
	return nil
}

// Stop implements [audio.BufferSource].
func (s *BufferSource) Stop() error {
	s.mu.Lock()
	s.CallCountStop++
	err := s.StopError
	s.mu.Unlock()
	s.FireEnded()
	return err
}

// OnEnded implements [audio.BufferSource].
func (s *BufferSource) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnded = fn
}

// FireEnded simulates the node finishing. The callback runs at most once.
func (s *BufferSource) FireEnded() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// StartTime returns the scheduled start and whether Start was called.
func (s *BufferSource) StartTime() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startAt, s.started
}

// Stopped reports whether Stop has been called at least once.
func (s *BufferSource) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop > 0
}

func samplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
