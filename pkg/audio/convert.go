package audio

import (
	"log/slog"
	"sync"
)

// RateConverter resamples mono PCM16 chunks to a fixed target rate. It logs a
// warning on the first rate mismatch and on the first misaligned chunk.
// Create one per stream; not designed for shared use across goroutines.
type RateConverter struct {
	Target         int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert resamples pcm from srcRate to the target rate. Chunks that already
// match are returned unchanged. A chunk with an odd byte count is dropped and
// nil is returned.
func (c *RateConverter) Convert(pcm []byte, srcRate int) []byte {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio rate converter: odd byte count in PCM data, dropping chunk",
				"bytes", len(pcm),
				"sampleRate", srcRate,
			)
		})
		return nil
	}
	if srcRate == c.Target {
		return pcm
	}
	c.warnedMismatch.Do(func() {
		slog.Info("audio rate converter: resampling stream",
			"from", srcRate,
			"to", c.Target,
		)
	})
	return ResampleMono16(pcm, srcRate, c.Target)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DownmixFloat averages interleaved multi-channel samples into mono. Mono
// input is returned unchanged.
func DownmixFloat(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
