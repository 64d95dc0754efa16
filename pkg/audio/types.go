package audio

import "time"

// Wire formats negotiated with the remote streaming endpoint.
const (
	// CaptureSampleRate is the rate, in Hz, at which microphone audio is framed
	// and sent upstream.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate, in Hz, of the audio the remote model
	// streams back and of the local playback context.
	PlaybackSampleRate = 24000

	// CaptureFrameSize is the number of samples in one captured [AudioFrame].
	CaptureFrameSize = 2048
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono returns a single-channel [Format] at rate.
func Mono(rate int) Format {
	return Format{SampleRate: rate, Channels: 1}
}

// String returns a human-readable description such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// AudioFrame is a fixed-length window of normalized samples captured from the
// microphone. Frames are immutable once produced: the capture pipeline hands
// each one to the codec and never touches it again.
type AudioFrame struct {
	// Samples holds mono float samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the wall-clock length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// PlaybackSegment is one decoded chunk of remote speech ready for scheduling.
// Ownership transfers to the playback scheduler on enqueue.
type PlaybackSegment struct {
	// Samples holds mono float samples in [-1, 1].
	Samples []float32

	// SampleRate in Hz (24000 for the remote model's output).
	SampleRate int
}

// Duration returns the segment length in seconds of playback-clock time.
func (s PlaybackSegment) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(len(s.Samples)) / float64(s.SampleRate)
}
