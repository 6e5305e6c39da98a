package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrCodec matches every [CodecError] via [errors.Is].
var ErrCodec = errors.New("audio: codec error")

// pcmScale maps a normalised sample to a signed 16-bit integer.
const pcmScale = 32767

// CodecError reports a malformed chunk. The chunk should be dropped; a
// CodecError never invalidates the stream it came from.
type CodecError struct {
	// Op is the codec operation that failed ("decode", "from_transport_text").
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Is reports whether target is [ErrCodec].
func (e *CodecError) Is(target error) bool { return target == ErrCodec }

// EncodePCM16 converts floating-point samples to little-endian signed 16-bit
// PCM. Samples outside [-1, 1] are clamped so that full-scale input never
// wraps around.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM into a [PlaybackBuffer]
// with the given format. It fails with a [*CodecError] when data does not hold
// a whole number of sample frames.
func DecodePCM16(data []byte, sampleRate, channels int) (*PlaybackBuffer, error) {
	if sampleRate <= 0 {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("invalid sample rate %d", sampleRate)}
	}
	if channels <= 0 {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("invalid channel count %d", channels)}
	}
	if frame := 2 * channels; len(data)%frame != 0 {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("%d bytes is not a multiple of %d", len(data), frame)}
	}

	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = int16ToFloat(v)
	}
	return &PlaybackBuffer{Samples: samples, SampleRate: sampleRate, Channels: channels}, nil
}

// ToTransportText encodes PCM bytes as standard padded base64.
func ToTransportText(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// FromTransportText decodes standard padded base64. Malformed input yields a
// [*CodecError].
func FromTransportText(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &CodecError{Op: "from_transport_text", Err: err}
	}
	return data, nil
}

func floatToInt16(s float32) int16 {
	f := float64(s)
	switch {
	case math.IsNaN(f):
		return 0
	case f > 1:
		f = 1
	case f < -1:
		f = -1
	}
	return int16(math.Round(f * pcmScale))
}

// int16ToFloat divides by the encode scale so that round trips are exact for
// encoded values; -32768 clamps to -1.
func int16ToFloat(v int16) float32 {
	f := float32(v) / pcmScale
	if f < -1 {
		return -1
	}
	return f
}
