package meter

import (
	"gonum.org/v1/gonum/stat"
)

// MaxLevel is the upper bound of [Meter.Sample].
const MaxLevel = 255.0

// Spectrum is the read side of an [Analyser].
type Spectrum interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []uint8) int
}

// Meter reduces a [Spectrum] to one activity level per tick. It is not safe
// for concurrent use; the session samples it from a single goroutine.
type Meter struct {
	src  Spectrum
	bins []uint8
	buf  []float64
}

// New returns a Meter reading src.
func New(src Spectrum) *Meter {
	n := src.FrequencyBinCount()
	return &Meter{
		src:  src,
		bins: make([]uint8, n),
		buf:  make([]float64, n),
	}
}

// Sample returns the arithmetic mean of the current byte magnitudes, in
// [0, MaxLevel].
func (m *Meter) Sample() float64 {
	n := m.src.ByteFrequencyData(m.bins)
	if n == 0 {
		return 0
	}
	for i, b := range m.bins[:n] {
		m.buf[i] = float64(b)
	}
	return stat.Mean(m.buf[:n], nil)
}
