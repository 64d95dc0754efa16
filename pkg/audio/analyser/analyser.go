// Package analyser implements a passive frequency analyser that observes an
// audio stream and exposes a byte-scaled magnitude spectrum.
//
// The behaviour follows the browser AnalyserNode: the most recent FFTSize
// samples are windowed with a Blackman window, transformed, smoothed over time
// with a fixed constant and mapped from a decibel range onto 0..255. The
// analyser never alters the stream it observes.
package analyser

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// Defaults match the browser AnalyserNode the dashboard visualizer was tuned
// against.
const (
	DefaultFFTSize   = 512
	DefaultSmoothing = 0.8
	DefaultMinDB     = -100.0
	DefaultMaxDB     = -30.0
)

// Option is a functional option for configuring an [Analyser].
type Option func(*Analyser)

// WithFFTSize sets the transform length. Values that are not a power of two
// of at least 32 are ignored.
func WithFFTSize(n int) Option {
	return func(a *Analyser) {
		if n >= 32 && n&(n-1) == 0 {
			a.fftSize = n
		}
	}
}

// WithSmoothing sets the time-averaging constant in [0, 1).
func WithSmoothing(tau float64) Option {
	return func(a *Analyser) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithDecibelRange sets the dB range mapped onto byte values 0..255.
func WithDecibelRange(minDB, maxDB float64) Option {
	return func(a *Analyser) {
		if minDB < maxDB {
			a.minDB, a.maxDB = minDB, maxDB
		}
	}
}

// Analyser is safe for concurrent use. Producers call [Analyser.Write] from
// the audio path; readers call [Analyser.ByteFrequencyData] from the display
// loop.
type Analyser struct {
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	mu       sync.Mutex
	ring     []float64
	pos      int
	fft      *fourier.FFT
	weights  []float64
	seq      []float64
	coeff    []complex128
	smoothed []float64
}

// New creates an Analyser with the browser defaults unless overridden.
func New(opts ...Option) *Analyser {
	a := &Analyser{
		fftSize:   DefaultFFTSize,
		smoothing: DefaultSmoothing,
		minDB:     DefaultMinDB,
		maxDB:     DefaultMaxDB,
	}
	for _, o := range opts {
		o(a)
	}

	n := a.fftSize
	a.ring = make([]float64, n)
	a.fft = fourier.NewFFT(n)
	a.weights = make([]float64, n)
	for i := range a.weights {
		a.weights[i] = 1
	}
	window.Blackman(a.weights)
	a.seq = make([]float64, n)
	a.coeff = make([]complex128, n/2+1)
	a.smoothed = make([]float64, n/2)
	return a
}

// FFTSize returns the transform length.
func (a *Analyser) FFTSize() int { return a.fftSize }

// FrequencyBinCount returns the number of bins reported by
// [Analyser.ByteFrequencyData]; always FFTSize/2.
func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// Write appends samples to the analysis window. Only the most recent FFTSize
// samples are retained.
func (a *Analyser) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(samples) > a.fftSize {
		samples = samples[len(samples)-a.fftSize:]
	}
	for _, s := range samples {
		a.ring[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// ByteFrequencyData computes the current smoothed spectrum and writes one
// byte per bin into dst, which is grown if shorter than FrequencyBinCount.
// The (possibly reallocated) slice is returned.
//
// Each call advances the smoothing state, so callers should read once per
// display frame.
func (a *Analyser) ByteFrequencyData(dst []byte) []byte {
	bins := a.FrequencyBinCount()
	if cap(dst) < bins {
		dst = make([]byte, bins)
	}
	dst = dst[:bins]

	a.mu.Lock()
	defer a.mu.Unlock()

	// Oldest sample first.
	n := copy(a.seq, a.ring[a.pos:])
	copy(a.seq[n:], a.ring[:a.pos])
	floats.Mul(a.seq, a.weights)
	a.fft.Coefficients(a.coeff, a.seq)

	scale := 255 / (a.maxDB - a.minDB)
	norm := 1 / float64(a.fftSize)
	for k := range bins {
		c := a.coeff[k]
		mag := math.Hypot(real(c), imag(c)) * norm
		v := a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		a.smoothed[k] = v

		db := 20 * math.Log10(v)
		b := math.Floor(scale * (db - a.minDB))
		switch {
		case math.IsNaN(b) || b < 0:
			dst[k] = 0
		case b > 255:
			dst[k] = 255
		default:
			dst[k] = byte(b)
		}
	}
	return dst
}

// Reset clears the analysis window and smoothing history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	clear(a.smoothed)
	a.pos = 0
}
