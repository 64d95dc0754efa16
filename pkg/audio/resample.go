package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts one continuous mono stream from one sample rate to
// another. Filter state carries over between calls to [Resampler.Process], so
// consecutive blocks join without a discontinuity; the filter delay means a
// block's output can be shorter than its exact rate ratio until
// [Resampler.Flush] releases the tail.
//
// When both rates are equal the Resampler is a passthrough. Not safe for
// concurrent use; create one per stream.
type Resampler struct {
	from, to int
	rs       resampling.Resampler
}

// NewResampler creates a Resampler converting from one rate to another.
func NewResampler(from, to int) (*Resampler, error) {
	if from <= 0 || to <= 0 {
		return nil, fmt.Errorf("audio: resampler: invalid rates %d->%d", from, to)
	}
	r := &Resampler{from: from, to: to}
	if from == to {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: resampler %d->%d: %w", from, to, err)
	}
	r.rs = rs
	return r, nil
}

// From returns the input rate in Hz.
func (r *Resampler) From() int { return r.from }

// To returns the output rate in Hz.
func (r *Resampler) To() int { return r.to }

// Passthrough reports whether the rates are equal and samples are returned
// unchanged.
func (r *Resampler) Passthrough() bool { return r.rs == nil }

// Process resamples the next block of the stream.
func (r *Resampler) Process(in []float32) ([]float32, error) {
	if r.rs == nil {
		return in, nil
	}
	out, err := r.rs.ProcessFloat32(in)
	if err != nil {
		return nil, fmt.Errorf("audio: resample: %w", err)
	}
	for i, s := range out {
		out[i] = Clamp(s)
	}
	return out, nil
}

// Flush returns the samples still held by the filter. Call it once the
// stream has ended.
func (r *Resampler) Flush() ([]float32, error) {
	if r.rs == nil {
		return nil, nil
	}
	tail, err := r.rs.Flush()
	if err != nil {
		return nil, fmt.Errorf("audio: resample flush: %w", err)
	}
	out := make([]float32, len(tail))
	for i, s := range tail {
		out[i] = Clamp(float32(s))
	}
	return out, nil
}

// Reset discards the filter state so the next Process starts a new stream.
func (r *Resampler) Reset() {
	if r.rs != nil {
		r.rs.Reset()
	}
}

// Convert resamples a self-contained block: it processes, flushes and resets,
// so the whole block comes out and nothing carries over to the next call.
func (r *Resampler) Convert(in []float32) ([]float32, error) {
	if r.rs == nil {
		return in, nil
	}
	defer r.Reset()
	out, err := r.Process(in)
	if err != nil {
		return nil, err
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, err
	}
	return append(out, tail...), nil
}
