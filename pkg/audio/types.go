package audio

import "time"

// Fixed stream formats of a duplex voice session.
const (
	// InputSampleRate is the capture rate sent to the transport.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised audio received from the transport.
	OutputSampleRate = 24000

	// DefaultBlockSize is the number of samples delivered per capture callback.
	DefaultBlockSize = 4096
)

// AudioFrame is one block of captured microphone audio. Frames are produced
// by the capture callback, encoded immediately and never retained.
type AudioFrame struct {
	// Samples holds mono floating-point samples, nominally in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for the microphone stream).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// PlaybackBuffer is a decoded block of output audio ready to be scheduled on
// an [OutputContext]. Samples are interleaved when Channels > 1.
type PlaybackBuffer struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames returns the number of sample frames (samples per channel).
func (b *PlaybackBuffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns Frames / SampleRate as a [time.Duration].
func (b *PlaybackBuffer) Duration() time.Duration {
	if b == nil {
		return 0
	}
	return samplesDuration(b.Frames(), b.SampleRate)
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
