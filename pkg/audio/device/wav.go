package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/meli/pkg/audio"
)

// WAVMicrophone plays a WAV file as if it were a capture device. The file is
// decoded fully on Open; reads are paced to real time when Realtime is set.
type WAVMicrophone struct {
	Path     string
	Realtime bool

	// Loop restarts the file instead of returning io.EOF at the end.
	Loop bool
}

var _ Microphone = WAVMicrophone{}

// Open implements [Microphone]. A missing or unreadable file is reported as
// [ErrPermissionDenied] since, from the caller's perspective, no capture
// device is available.
func (m WAVMicrophone) Open(_ context.Context, _ CaptureConstraints) (InputStream, error) {
	samples, format, err := ReadWAV(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	in := &wavInput{samples: samples, format: format, loop: m.Loop}
	if m.Realtime {
		in.pace.rate = format.SampleRate
	}
	in.ctx, in.cancel = context.WithCancel(context.Background())
	return in, nil
}

type wavInput struct {
	format audio.Format
	loop   bool
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	samples []float32
	pos     int
	pace    pacer
}

func (w *wavInput) Read(ctx context.Context, buf []float32) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil {
		return 0, ErrClosed
	}
	if w.pos >= len(w.samples) {
		if !w.loop || len(w.samples) == 0 {
			return 0, io.EOF
		}
		w.pos = 0
	}
	n := copy(buf, w.samples[w.pos:])
	w.pos += n

	waitCtx, stop := mergeDone(ctx, w.ctx)
	defer stop()
	// Pace per frame, not per sample.
	if err := w.pace.wait(waitCtx, n/max(w.format.Channels, 1)); err != nil {
		if w.ctx.Err() != nil {
			return 0, ErrClosed
		}
		return 0, err
	}
	return n, nil
}

func (w *wavInput) Format() audio.Format { return w.format }

func (w *wavInput) Close() error {
	w.cancel()
	return nil
}

// ReadWAV decodes a PCM WAV file into interleaved float samples in [-1, 1].
func ReadWAV(path string) ([]float32, audio.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("device: open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("device: %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("device: decode wav: %w", err)
	}

	format := audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	scale := float32(int64(1) << (dec.BitDepth - 1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = audio.Clamp(float32(v) / scale)
	}
	return out, format, nil
}

// WAVSpeaker records rendered audio into a 16-bit WAV file. With Realtime set
// writes are paced like a hardware device.
type WAVSpeaker struct {
	Path     string
	Realtime bool
}

var _ Speaker = WAVSpeaker{}

// Open implements [Speaker].
func (s WAVSpeaker) Open(_ context.Context, format audio.Format, _ int) (OutputStream, error) {
	f, err := os.Create(s.Path)
	if err != nil {
		return nil, fmt.Errorf("device: create wav: %w", err)
	}
	out := &wavOutput{
		file:   f,
		format: audio.Mono(format.SampleRate),
		enc:    wav.NewEncoder(f, format.SampleRate, 16, 1, 1),
	}
	if s.Realtime {
		out.pace.rate = format.SampleRate
	}
	out.ctx, out.cancel = context.WithCancel(context.Background())
	return out, nil
}

type wavOutput struct {
	format audio.Format
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	file   *os.File
	enc    *wav.Encoder
	pace   pacer
	closed bool
}

func (w *wavOutput) Write(samples []float32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	data := make([]int, len(samples))
	for i, s := range samples {
		s = audio.Clamp(s)
		if s < 0 {
			data[i] = int(s * 32768)
		} else {
			data[i] = int(s * 32767)
		}
	}
	err := w.enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: w.format.SampleRate, NumChannels: 1},
		Data:           data,
		SourceBitDepth: 16,
	})
	if err != nil {
		return fmt.Errorf("device: write wav: %w", err)
	}
	if err := w.pace.wait(w.ctx, len(samples)); err != nil {
		return ErrClosed
	}
	return nil
}

func (w *wavOutput) Format() audio.Format { return w.format }

func (w *wavOutput) Close() error {
	w.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.enc.Close(), w.file.Close())
}
