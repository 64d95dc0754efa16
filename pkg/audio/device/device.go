// Package device defines the local media device abstractions used by the
// capture pipeline and the playback context.
//
// The two primary abstractions are:
//
//   - [Microphone] opens an [InputStream] that yields raw samples at the
//     device's native format.
//   - [Speaker] opens an [OutputStream] that consumes rendered samples at the
//     pace of the hardware clock.
//
// Implementations live next to this file: a PortAudio backend (build tag
// "portaudio"), WAV file backends, and null backends for headless use.
// External code is free to provide its own.
package device

import (
	"context"
	"errors"

	"github.com/MrWong99/meli/pkg/audio"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Open] when the user or the
	// operating system refuses access, or no capture device is available.
	ErrPermissionDenied = errors.New("device: microphone permission denied or unavailable")

	// ErrClosed is returned by stream methods after Close.
	ErrClosed = errors.New("device: stream closed")
)

// CaptureConstraints describes the capture configuration requested from a
// [Microphone]. Backends that cannot honour a constraint ignore it and report
// the actual format through [InputStream.Format].
type CaptureConstraints struct {
	SampleRate int
	Channels   int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultCaptureConstraints returns the voice-capture profile: 16 kHz mono
// with echo cancellation, noise suppression and automatic gain enabled.
func DefaultCaptureConstraints() CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       audio.CaptureSampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Processing reports whether any voice-processing constraint is requested.
func (c CaptureConstraints) Processing() bool {
	return c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl
}

// InputStream is an open capture track.
//
// Implementations must allow Close to be called concurrently with a blocked
// Read; Read then returns [ErrClosed] (or io.EOF for finite sources).
type InputStream interface {
	// Read fills buf with interleaved samples in [-1, 1] and returns the number
	// written. It blocks until at least one sample is available.
	Read(ctx context.Context, buf []float32) (int, error)

	// Format reports the actual sample rate and channel count of the stream.
	Format() audio.Format

	// Close stops the track. Safe to call more than once.
	Close() error
}

// Microphone opens capture tracks.
type Microphone interface {
	// Open acquires the device. Permission or availability failures wrap
	// [ErrPermissionDenied].
	Open(ctx context.Context, c CaptureConstraints) (InputStream, error)
}

// OutputStream is an open playback track.
type OutputStream interface {
	// Write hands mono samples in [-1, 1] to the device. It blocks until the
	// device has room, which makes it the pacing source of the render loop.
	Write(samples []float32) error

	// Format reports the actual sample rate and channel count of the stream.
	Format() audio.Format

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Speaker opens playback tracks.
type Speaker interface {
	// Open acquires the output device at format. bufferFrames is a hint for the
	// device buffer size in samples.
	Open(ctx context.Context, format audio.Format, bufferFrames int) (OutputStream, error)
}

// Info describes one enumerable audio device.
type Info struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}
