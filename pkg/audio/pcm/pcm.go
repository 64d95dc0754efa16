// Package pcm converts between normalized float samples and 16-bit signed
// little-endian PCM, the wire format of the live streaming endpoint.
//
// Encoding clamps to [-1, 1] and scales asymmetrically (negative values by
// 32768, positive by 32767) so that full-scale input maps exactly onto the
// int16 range. Decoding divides by 32768. A round trip stays within 2/32768 of
// the original sample.
package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/meli/pkg/audio"
)

// ErrEmptyFrame is returned by [Encode] when given a frame with no samples.
var ErrEmptyFrame = errors.New("pcm: empty frame")

// BytesPerSample is the width of one encoded sample.
const BytesPerSample = 2

// EncodedChunk is the 16-bit PCM encoding of one captured frame, ready to be
// sent over the transport.
type EncodedChunk struct {
	// Data holds little-endian int16 samples.
	Data []byte

	// SampleRate in Hz of the encoded samples.
	SampleRate int

	// Timestamp is copied from the source [audio.AudioFrame].
	Timestamp time.Duration
}

// MIMEType returns the media type announced to the remote endpoint,
// e.g. "audio/pcm;rate=16000".
func (c EncodedChunk) MIMEType() string {
	return MIMEType(c.SampleRate)
}

// MIMEType returns the PCM media type string for rate.
func MIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// DecodeError reports a payload that could not be turned into samples. The
// offending payload is dropped; the session keeps running.
type DecodeError struct {
	// Len is the length of the rejected payload in bytes (or base64 characters).
	Len int
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pcm: decode %d bytes: %v", e.Len, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// errOddLength is wrapped by [DecodeError] when the byte count is not a
// multiple of [BytesPerSample].
var errOddLength = errors.New("odd byte length")

// Encode converts normalized samples into 16-bit little-endian PCM.
func Encode(frame []float32) ([]byte, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}
	out := make([]byte, len(frame)*BytesPerSample)
	for i, s := range frame {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(quantize(s)))
	}
	return out, nil
}

// EncodeFrame encodes f into an [EncodedChunk] carrying its rate and timestamp.
func EncodeFrame(f audio.AudioFrame) (EncodedChunk, error) {
	data, err := Encode(f.Samples)
	if err != nil {
		return EncodedChunk{}, err
	}
	return EncodedChunk{Data: data, SampleRate: f.SampleRate, Timestamp: f.Timestamp}, nil
}

// Decode converts 16-bit little-endian PCM into normalized samples.
// An odd byte count yields a [*DecodeError].
func Decode(b []byte) ([]float32, error) {
	if len(b)%BytesPerSample != 0 {
		return nil, &DecodeError{Len: len(b), Err: errOddLength}
	}
	out := make([]float32, len(b)/BytesPerSample)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*BytesPerSample:]))) / 32768
	}
	return out, nil
}

// DecodeBase64 decodes a base64 PCM payload received from the remote model
// into a mono [audio.PlaybackSegment] at rate. Interleaved multi-channel
// payloads are downmixed by averaging.
func DecodeBase64(payload string, rate, channels int) (audio.PlaybackSegment, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return audio.PlaybackSegment{}, &DecodeError{Len: len(payload), Err: err}
	}
	samples, err := Decode(raw)
	if err != nil {
		return audio.PlaybackSegment{}, err
	}
	if channels > 1 {
		if len(samples)%channels != 0 {
			return audio.PlaybackSegment{}, &DecodeError{Len: len(raw), Err: fmt.Errorf("%d samples not divisible by %d channels", len(samples), channels)}
		}
		samples = audio.Downmix(samples, channels)
	}
	return audio.PlaybackSegment{Samples: samples, SampleRate: rate}, nil
}

// EncodeBase64 is the inverse of [DecodeBase64] for mono samples.
func EncodeBase64(samples []float32) (string, error) {
	b, err := Encode(samples)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func quantize(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	s = audio.Clamp(s)
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}
