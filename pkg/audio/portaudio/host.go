// Package portaudio implements [audio.Host] on the local sound card via
// PortAudio.
//
// Capture uses the callback API, one callback per block. Playback drives a
// software [render.Context] from the output stream callback, so scheduling and
// mixing stay in Go and the device only pulls finished samples.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/audio/render"
)

// outputFramesPerBuffer is the output callback size. 10 ms at 24 kHz keeps
// barge-in latency well below what a listener notices.
const outputFramesPerBuffer = 240

// Compile-time assertions.
var (
	_ audio.Host           = (*Host)(nil)
	_ audio.MediaSource    = (*microphone)(nil)
	_ audio.InputContext   = (*inputContext)(nil)
	_ audio.ProcessingNode = (*node)(nil)
	_ audio.OutputContext  = (*outputContext)(nil)
)

// Host is a PortAudio-backed [audio.Host]. Create it once per process with
// [New] and release it with [Host.Close].
type Host struct {
	closeOnce sync.Once
}

// New initialises PortAudio.
func New() (*Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDevice, err)
	}
	return &Host{}, nil
}

// Close terminates PortAudio. Idempotent.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = portaudio.Terminate()
	})
	return err
}

// Check reports whether default input and output devices are present. It
// backs the readiness probe.
func (h *Host) Check(context.Context) error {
	if _, err := portaudio.DefaultInputDevice(); err != nil {
		return fmt.Errorf("no input device: %w", err)
	}
	if _, err := portaudio.DefaultOutputDevice(); err != nil {
		return fmt.Errorf("no output device: %w", err)
	}
	return nil
}

// RequestMicrophone resolves the default input device. PortAudio has no
// permission model of its own; a missing or inaccessible device is reported
// as [audio.ErrDevice].
func (h *Host) RequestMicrophone(ctx context.Context) (audio.MediaSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: default input: %w: %w", audio.ErrDevice, err)
	}
	if dev.MaxInputChannels < 1 {
		return nil, fmt.Errorf("portaudio: %q has no input channels: %w", dev.Name, audio.ErrDevice)
	}
	slog.Debug("portaudio: microphone acquired", "device", dev.Name)
	return &microphone{device: dev}, nil
}

// NewInputContext returns a context that opens capture streams at sampleRate.
func (h *Host) NewInputContext(sampleRate int) (audio.InputContext, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid input rate %d: %w", sampleRate, audio.ErrDevice)
	}
	return &inputContext{rate: sampleRate}, nil
}

// NewOutputContext opens and starts a mono output stream at sampleRate that
// renders from a fresh [render.Context].
func (h *Host) NewOutputContext(sampleRate int) (audio.OutputContext, error) {
	rc, err := render.New(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("portaudio: %w: %w", audio.ErrDevice, err)
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), outputFramesPerBuffer, func(out []float32) {
		rc.Render(out)
	})
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("portaudio: open output: %w: %w", audio.ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = rc.Close()
		return nil, fmt.Errorf("portaudio: start output: %w: %w", audio.ErrDevice, err)
	}
	return &outputContext{Context: rc, stream: stream}, nil
}

// ── Microphone ─────────────────────────────────────────────────────────────────

// microphone is a single-track source over one input device. Stopping the
// track closes every stream opened on it.
type microphone struct {
	device *portaudio.DeviceInfo

	mu      sync.Mutex
	streams []*portaudio.Stream
	stopped bool
}

func (m *microphone) Tracks() []audio.Track { return []audio.Track{m} }

func (m *microphone) attach(s *portaudio.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return errors.New("portaudio: microphone track already stopped")
	}
	m.streams = append(m.streams, s)
	return nil
}

// detach removes s and reports whether it was still attached.
func (m *microphone) detach(s *portaudio.Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.streams {
		if cur == s {
			m.streams = append(m.streams[:i], m.streams[i+1:]...)
			return true
		}
	}
	return false
}

// Stop implements [audio.Track]. Idempotent.
func (m *microphone) Stop() error {
	m.mu.Lock()
	streams := m.streams
	m.streams = nil
	m.stopped = true
	m.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, closeStream(s))
	}
	return errors.Join(errs...)
}

// ── Input ──────────────────────────────────────────────────────────────────────

type inputContext struct {
	rate int
}

// CreateProcessingNode opens a capture stream on src delivering blockSize
// frames per callback. Multi-channel input is downmixed to mono.
func (c *inputContext) CreateProcessingNode(src audio.MediaSource, blockSize, channels int, onBlock func(audio.AudioFrame)) (audio.ProcessingNode, error) {
	mic, ok := src.(*microphone)
	if !ok {
		return nil, fmt.Errorf("portaudio: foreign media source %T: %w", src, audio.ErrDevice)
	}
	if channels < 1 {
		channels = 1
	}

	params := portaudio.LowLatencyParameters(mic.device, nil)
	params.Input.Channels = channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(c.rate)
	params.FramesPerBuffer = blockSize

	n := &node{mic: mic}
	rate := c.rate
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		if n.disconnected.Load() {
			return
		}
		// PortAudio reuses in; the frame must own its samples.
		var samples []float32
		if channels == 1 {
			samples = append([]float32(nil), in...)
		} else {
			samples = audio.DownmixFloat(in, channels)
		}
		ts := n.advance(len(samples), rate)
		onBlock(audio.AudioFrame{Samples: samples, SampleRate: rate, Timestamp: ts})
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open capture: %w: %w", audio.ErrDevice, err)
	}
	if err := mic.attach(stream); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %w", audio.ErrDevice, err)
	}
	if err := stream.Start(); err != nil {
		mic.detach(stream)
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start capture: %w: %w", audio.ErrDevice, err)
	}
	n.stream = stream
	slog.Debug("portaudio: capture started", "device", mic.device.Name, "rate", rate, "block", blockSize)
	return n, nil
}

// node is one running capture stream.
type node struct {
	mic    *microphone
	stream *portaudio.Stream

	disconnected atomic.Bool
	emitted      int64
}

// advance returns the timestamp of the next block and moves past it. Only the
// stream callback calls it.
func (n *node) advance(frames, rate int) time.Duration {
	ts := time.Duration(n.emitted * int64(time.Second) / int64(rate))
	n.emitted += int64(frames)
	return ts
}

// Disconnect stops the capture stream. Idempotent; a stream already closed
// by its microphone track is left alone.
func (n *node) Disconnect() error {
	if n.disconnected.Swap(true) {
		return nil
	}
	if n.stream == nil || !n.mic.detach(n.stream) {
		return nil
	}
	return closeStream(n.stream)
}

// Close implements [audio.InputContext]. Streams are owned by their nodes and
// microphone tracks, so there is nothing left to release here.
func (c *inputContext) Close() error { return nil }

// ── Output ─────────────────────────────────────────────────────────────────────

type outputContext struct {
	*render.Context
	stream    *portaudio.Stream
	closeOnce sync.Once
	closeErr  error
}

// Close stops the device stream before tearing down the renderer.
func (o *outputContext) Close() error {
	o.closeOnce.Do(func() {
		o.closeErr = errors.Join(closeStream(o.stream), o.Context.Close())
	})
	return o.closeErr
}

func closeStream(s *portaudio.Stream) error {
	stopErr := s.Stop()
	closeErr := s.Close()
	if stopErr != nil || closeErr != nil {
		return fmt.Errorf("portaudio: close stream: %w", errors.Join(stopErr, closeErr))
	}
	return nil
}
