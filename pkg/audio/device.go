package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermission is returned when the user or the OS denies microphone access.
	ErrPermission = errors.New("audio: microphone permission denied")

	// ErrDevice is returned when audio hardware is missing or cannot be opened.
	ErrDevice = errors.New("audio: device unavailable")
)

// Host is the platform's raw audio capability: microphone acquisition plus
// input and output audio contexts. Implementations wrap [ErrPermission] and
// [ErrDevice] so callers can classify failures with [errors.Is].
type Host interface {
	// RequestMicrophone acquires the default capture device. It may block
	// until the user answers a permission prompt.
	RequestMicrophone(ctx context.Context) (MediaSource, error)

	// NewInputContext creates a capture processing context at sampleRate.
	NewInputContext(sampleRate int) (InputContext, error)

	// NewOutputContext creates a rendering context at sampleRate.
	NewOutputContext(sampleRate int) (OutputContext, error)
}

// MediaSource is an acquired microphone stream.
type MediaSource interface {
	// Tracks returns the device tracks backing the stream. Each track is
	// stopped individually on teardown.
	Tracks() []Track
}

// Track is one device track of a [MediaSource].
type Track interface {
	Stop() error
}

// InputContext processes captured audio off the caller's goroutine.
type InputContext interface {
	// CreateProcessingNode connects src to a node that invokes onBlock once per
	// blockSize samples. onBlock runs on the audio thread and must not block.
	CreateProcessingNode(src MediaSource, blockSize, channels int, onBlock func(AudioFrame)) (ProcessingNode, error)

	Close() error
}

// ProcessingNode is a live capture callback registration.
type ProcessingNode interface {
	// Disconnect stops block delivery. Disconnecting twice is a no-op.
	Disconnect() error
}

// OutputContext renders scheduled buffers against its own clock.
type OutputContext interface {
	// Now returns the current position of the output clock. The clock starts
	// at zero when the context is created.
	Now() time.Duration

	// CreateBufferSource binds buf to a new, unscheduled source node.
	CreateBufferSource(buf *PlaybackBuffer) (BufferSource, error)

	Close() error
}

// BufferSource is a one-shot playback node.
type BufferSource interface {
	// Start schedules playback at the given output clock time. Times in the
	// past start immediately.
	Start(at time.Duration) error

	// Stop halts playback. Stopping a node that has already ended or was
	// already stopped is a no-op.
	Stop() error

	// OnEnded registers fn to run once when playback ends, either naturally
	// or through Stop. Must be called before Start.
	OnEnded(fn func())
}
