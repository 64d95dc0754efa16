//go:build portaudio

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/meli/pkg/audio"
)

// PortAudioAvailable reports whether this binary was built with the
// PortAudio backend.
const PortAudioAvailable = true

var (
	paMu   sync.Mutex
	paRefs int
)

func paAcquire() error {
	paMu.Lock()
	defer paMu.Unlock()
	if paRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return fmt.Errorf("device: portaudio initialize: %w", err)
		}
	}
	paRefs++
	return nil
}

func paRelease() {
	paMu.Lock()
	defer paMu.Unlock()
	paRefs--
	if paRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// PortAudioMicrophone opens the system default input device. Voice
// processing constraints are not available through PortAudio and are ignored.
type PortAudioMicrophone struct {
	FramesPerBuffer int
}

// PortAudioSpeaker opens the system default output device.
type PortAudioSpeaker struct{}

var (
	_ Microphone = PortAudioMicrophone{}
	_ Speaker    = PortAudioSpeaker{}
)

// Open implements [Microphone].
func (p PortAudioMicrophone) Open(_ context.Context, c CaptureConstraints) (InputStream, error) {
	if err := paAcquire(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	rate := float64(c.SampleRate)
	if rate <= 0 {
		rate = dev.DefaultSampleRate
	}
	frames := p.FramesPerBuffer
	if frames <= 0 {
		frames = 512
	}
	buf := make([]float32, frames)
	st, err := portaudio.OpenDefaultStream(1, 0, rate, frames, buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		paRelease()
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return &paInput{stream: st, buf: buf, format: audio.Mono(int(rate))}, nil
}

type paInput struct {
	format audio.Format

	mu      sync.Mutex
	stream  *portaudio.Stream
	buf     []float32
	pending []float32
	closed  bool
	once    sync.Once
}

func (p *paInput) Read(ctx context.Context, dst []float32) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(p.pending) == 0 {
		if err := p.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
			return 0, fmt.Errorf("device: portaudio read: %w", err)
		}
		p.pending = p.buf
	}
	n := copy(dst, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *paInput) Format() audio.Format { return p.format }

func (p *paInput) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		err = errors.Join(p.stream.Stop(), p.stream.Close())
		paRelease()
	})
	return err
}

// Open implements [Speaker].
func (PortAudioSpeaker) Open(_ context.Context, format audio.Format, bufferFrames int) (OutputStream, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	if bufferFrames <= 0 {
		bufferFrames = 1024
	}
	buf := make([]float32, bufferFrames)
	st, err := portaudio.OpenDefaultStream(0, 1, float64(format.SampleRate), bufferFrames, buf)
	if err != nil {
		paRelease()
		return nil, fmt.Errorf("device: portaudio open output: %w", err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		paRelease()
		return nil, fmt.Errorf("device: portaudio start output: %w", err)
	}
	return &paOutput{stream: st, buf: buf, format: audio.Mono(format.SampleRate)}, nil
}

type paOutput struct {
	format audio.Format

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	fill   int
	closed bool
	once   sync.Once
}

func (p *paOutput) Write(samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for len(samples) > 0 {
		n := copy(p.buf[p.fill:], samples)
		p.fill += n
		samples = samples[n:]
		if p.fill == len(p.buf) {
			if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
				return fmt.Errorf("device: portaudio write: %w", err)
			}
			p.fill = 0
		}
	}
	return nil
}

func (p *paOutput) Format() audio.Format { return p.format }

func (p *paOutput) Close() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closed = true
		err = errors.Join(p.stream.Stop(), p.stream.Close())
		paRelease()
	})
	return err
}

// ListDevices enumerates the PortAudio devices of every host API.
func ListDevices() ([]Info, error) {
	if err := paAcquire(); err != nil {
		return nil, err
	}
	defer paRelease()

	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("device: list: %w", err)
	}
	out := make([]Info, 0, len(devs))
	for _, d := range devs {
		info := Info{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

func defaultMicrophone() (Microphone, error) { return PortAudioMicrophone{}, nil }

func defaultSpeaker() (Speaker, error) { return PortAudioSpeaker{}, nil }
