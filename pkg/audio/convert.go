package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter brings [PlaybackSegment] values to a target sample rate.
// It logs a warning on the first mismatch so that a misconfigured provider is
// visible without flooding the log on every chunk.
//
// Each segment is converted as a whole block, so its duration after
// conversion matches its length on the playback clock. The resampler for the
// most recent source rate is kept between calls.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	rs             *Resampler
}

// Convert resamples seg to the target rate. If the rate already matches, seg
// is returned unchanged (zero allocation).
func (c *FormatConverter) Convert(seg PlaybackSegment) (PlaybackSegment, error) {
	if seg.SampleRate == c.Target.SampleRate || seg.SampleRate <= 0 {
		return seg, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(seg.SampleRate, 1),
			"to", formatString(c.Target.SampleRate, 1),
		)
	})

	if c.rs == nil || c.rs.From() != seg.SampleRate || c.rs.To() != c.Target.SampleRate {
		rs, err := NewResampler(seg.SampleRate, c.Target.SampleRate)
		if err != nil {
			return PlaybackSegment{}, err
		}
		c.rs = rs
	}
	samples, err := c.rs.Convert(seg.Samples)
	if err != nil {
		return PlaybackSegment{}, err
	}
	return PlaybackSegment{Samples: samples, SampleRate: c.Target.SampleRate}, nil
}

// Downmix averages interleaved multi-channel samples into mono. Trailing
// samples that do not form a whole frame are discarded. With channels <= 1
// the input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = Clamp(sum / float32(channels))
	}
	return out
}

// Clamp limits s to the normalized range [-1, 1].
func Clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
