// Package meter derives a live activity level from the capture signal for
// visual feedback.
//
// An [Analyser] keeps the most recent window of samples written to it and
// produces byte-scaled frequency magnitudes on demand. A [Meter] reduces those
// magnitudes to a single scalar per animation tick.
package meter

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Defaults for [NewAnalyser].
const (
	DefaultFFTSize     = 2048
	DefaultSmoothing   = 0.8
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures an [Analyser].
type Option func(*Analyser)

// WithFFTSize sets the analysis window length. It must be a power of two
// between 32 and 32768.
func WithFFTSize(n int) Option {
	return func(a *Analyser) { a.size = n }
}

// WithSmoothing sets the time constant for averaging successive spectra,
// in [0, 1). Zero disables smoothing.
func WithSmoothing(tau float64) Option {
	return func(a *Analyser) { a.smoothing = tau }
}

// WithDecibelRange sets the dB values mapped to byte 0 and byte 255.
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(a *Analyser) {
		a.minDB = minDB
		a.maxDB = maxDB
	}
}

// ── Analyser ───────────────────────────────────────────────────────────────────

// Analyser is a frequency-domain view of a sample stream. Write may be called
// from the audio thread while ByteFrequencyData is called from a ticker.
type Analyser struct {
	size      int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft *fourier.FFT

	mu     sync.Mutex
	ring   []float64
	pos    int
	frame  []float64
	coeffs []complex128
	smooth []float64
}

// NewAnalyser returns an Analyser with the given options applied on top of
// the defaults.
func NewAnalyser(opts ...Option) (*Analyser, error) {
	a := &Analyser{
		size:      DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDecibels,
		maxDB:     DefaultMaxDecibels,
	}
	for _, o := range opts {
		o(a)
	}
	if a.size < 32 || a.size > 32768 || bits.OnesCount(uint(a.size)) != 1 {
		return nil, fmt.Errorf("meter: fft size %d is not a power of two in [32, 32768]", a.size)
	}
	if a.smoothing < 0 || a.smoothing >= 1 || math.IsNaN(a.smoothing) {
		return nil, fmt.Errorf("meter: smoothing %v out of range [0, 1)", a.smoothing)
	}
	if a.minDB >= a.maxDB {
		return nil, fmt.Errorf("meter: min decibels %v must be below max decibels %v", a.minDB, a.maxDB)
	}

	a.fft = fourier.NewFFT(a.size)
	a.ring = make([]float64, a.size)
	a.frame = make([]float64, a.size)
	a.coeffs = make([]complex128, a.size/2+1)
	a.smooth = make([]float64, a.size/2)
	return a, nil
}

// FrequencyBinCount returns the number of bins filled by
// [Analyser.ByteFrequencyData]: half the FFT size.
func (a *Analyser) FrequencyBinCount() int {
	return a.size / 2
}

// Write appends samples to the analysis window, overwriting the oldest.
// It never blocks for longer than a copy.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Only the newest window can matter.
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos++
		if a.pos == a.size {
			a.pos = 0
		}
	}
}

// ByteFrequencyData computes the current spectrum and writes up to
// [Analyser.FrequencyBinCount] byte-scaled magnitudes into dst. It returns the
// number of bins written.
//
// The window is Blackman-weighted, magnitudes are normalised by the FFT size
// and blended with the previous spectrum by the smoothing constant, then
// mapped linearly from [minDB, maxDB] onto [0, 255].
func (a *Analyser) ByteFrequencyData(dst []uint8) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Unroll the ring oldest-first.
	n := copy(a.frame, a.ring[a.pos:])
	copy(a.frame[n:], a.ring[:a.pos])
	window.Blackman(a.frame)

	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	scale := 255 / (a.maxDB - a.minDB)
	bins := min(len(dst), len(a.smooth))
	for k := range a.smooth {
		mag := cmplxAbs(a.coeffs[k]) / float64(a.size)
		v := a.smoothing*a.smooth[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smooth[k] = v

		if k >= bins {
			continue
		}
		db := math.Inf(-1)
		if v > 0 {
			db = 20 * math.Log10(v)
		}
		b := math.Floor(scale * (db - a.minDB))
		switch {
		case b < 0 || math.IsNaN(b):
			dst[k] = 0
		case b > 255:
			dst[k] = 255
		default:
			dst[k] = uint8(b)
		}
	}
	return bins
}

// Reset clears the window and the smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smooth)
	a.pos = 0
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
