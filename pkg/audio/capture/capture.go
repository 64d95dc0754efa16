// Package capture turns a live microphone into a stream of fixed-size,
// 16-bit PCM chunks ready to be sent to the remote model.
//
// A [Pipeline] acquires one [device.Microphone] track, converts it to
// 16 kHz mono, cuts it into windows of [audio.CaptureFrameSize] samples and
// encodes each window as soon as it is complete. Delivery is best-effort: the
// output channel holds at most one chunk and a chunk that cannot be handed
// over immediately is dropped and counted, never queued. Every raw window is
// also written to the attached [analyser.Analyser] values.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/meli/pkg/audio"
	"github.com/MrWong99/meli/pkg/audio/analyser"
	"github.com/MrWong99/meli/pkg/audio/device"
	"github.com/MrWong99/meli/pkg/audio/pcm"
)

var (
	// ErrAlreadyStarted is returned by [Pipeline.Start] when called twice.
	ErrAlreadyStarted = errors.New("capture: already started")

	// ErrStopped is returned by [Pipeline.Start] after [Pipeline.Stop].
	ErrStopped = errors.New("capture: stopped")

	// ErrSourceEnded is reported by [Pipeline.Err] when the microphone stream
	// ended on its own.
	ErrSourceEnded = errors.New("capture: microphone source ended")
)

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithConstraints overrides the capture constraints requested from the
// microphone. The pipeline always emits chunks at c.SampleRate.
func WithConstraints(c device.CaptureConstraints) Option {
	return func(p *Pipeline) {
		p.constraints = c
	}
}

// WithFrameSize sets the number of samples per emitted chunk.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithAnalyser attaches an input analyser that observes every raw window.
// It may be given more than once.
func WithAnalyser(a *analyser.Analyser) Option {
	return func(p *Pipeline) {
		if a != nil {
			p.analysers = append(p.analysers, a)
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.log = l
	}
}

// WithOnChunk registers a hook called for every encoded chunk with whether it
// was delivered or dropped. It runs on the capture goroutine and must not
// block.
func WithOnChunk(fn func(delivered bool)) Option {
	return func(p *Pipeline) {
		p.onChunk = fn
	}
}

// Pipeline is single-use: Start once, Stop any number of times.
type Pipeline struct {
	mic         device.Microphone
	constraints device.CaptureConstraints
	frameSize   int
	analysers   []*analyser.Analyser
	log         *slog.Logger
	onChunk     func(bool)

	mu      sync.Mutex
	stream  device.InputStream
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
	err     error

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// New creates a Pipeline reading from mic.
func New(mic device.Microphone, opts ...Option) *Pipeline {
	p := &Pipeline{
		mic:         mic,
		constraints: device.DefaultCaptureConstraints(),
		frameSize:   audio.CaptureFrameSize,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.constraints.SampleRate <= 0 {
		p.constraints.SampleRate = audio.CaptureSampleRate
	}
	p.log = p.log.With("component", "capture")
	return p
}

// Start opens the microphone and begins producing chunks. The returned channel
// is closed when capture ends (Stop, ctx cancellation, or end of source).
// Microphone failures wrap [device.ErrPermissionDenied] when the backend
// reports them as such.
func (p *Pipeline) Start(ctx context.Context) (<-chan pcm.EncodedChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrStopped
	}
	if p.started {
		return nil, ErrAlreadyStarted
	}

	stream, err := p.mic.Open(ctx, p.constraints)
	if err != nil {
		return nil, fmt.Errorf("capture: open microphone: %w", err)
	}

	src := stream.Format()
	if src.Channels <= 0 {
		src.Channels = 1
	}
	rs, err := audio.NewResampler(src.SampleRate, p.constraints.SampleRate)
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("capture: %w", err)
	}
	if !rs.Passthrough() {
		p.log.Info("microphone rate differs, resampling", "device_rate", src.SampleRate, "rate", p.constraints.SampleRate)
	}

	runCtx, cancel := context.WithCancel(ctx)
	out := make(chan pcm.EncodedChunk, 1)
	p.stream = stream
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.run(runCtx, stream, src, rs, out)
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, stream device.InputStream, src audio.Format, rs *audio.Resampler, out chan<- pcm.EncodedChunk) {
	defer close(p.done)
	defer close(out)

	readBuf := make([]float32, p.frameSize*src.Channels)
	acc := make([]float32, 0, p.frameSize*2)
	var produced int64

	for {
		n, err := stream.Read(ctx, readBuf)
		if n > 0 {
			mono, rerr := rs.Process(audio.Downmix(readBuf[:n], src.Channels))
			if rerr != nil {
				p.log.Error("resample failed, stopping capture", "err", rerr)
				p.fail(fmt.Errorf("capture: %w", rerr))
				return
			}
			acc = append(acc, mono...)

			for len(acc) >= p.frameSize {
				frame := audio.AudioFrame{
					Samples:    append([]float32(nil), acc[:p.frameSize]...),
					SampleRate: p.constraints.SampleRate,
					Timestamp:  time.Duration(produced) * time.Second / time.Duration(p.constraints.SampleRate),
				}
				produced += int64(p.frameSize)
				acc = append(acc[:0], acc[p.frameSize:]...)
				p.emit(frame, out)
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.log.Info("microphone source ended")
				p.fail(ErrSourceEnded)
			case errors.Is(err, device.ErrClosed), ctx.Err() != nil:
			default:
				p.log.Error("microphone read failed", "err", err)
				p.fail(fmt.Errorf("capture: read microphone: %w", err))
			}
			return
		}
	}
}

func (p *Pipeline) emit(frame audio.AudioFrame, out chan<- pcm.EncodedChunk) {
	for _, a := range p.analysers {
		a.Write(frame.Samples)
	}
	chunk, err := pcm.EncodeFrame(frame)
	if err != nil {
		p.log.Warn("encode frame failed", "err", err)
		return
	}
	select {
	case out <- chunk:
		p.sent.Add(1)
		if p.onChunk != nil {
			p.onChunk(true)
		}
	default:
		p.dropped.Add(1)
		if p.onChunk != nil {
			p.onChunk(false)
		}
	}
}

// fail records why capture stopped on its own. It runs before the output
// channel is closed, so a consumer that sees the close can read it via Err.
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil && !p.stopped {
		p.err = err
	}
}

// Err reports why the output channel closed. It is nil while capture runs and
// after [Pipeline.Stop]; otherwise it is [ErrSourceEnded] or wraps the read
// or resampling failure.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop ends capture, releases the microphone track and resets the analysers.
// It blocks until the capture goroutine has exited. Safe to call from any
// state and more than once.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel, stream, done := p.cancel, p.stream, p.done
	p.stream = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			p.log.Warn("close microphone", "err", err)
		}
	}
	if done != nil {
		<-done
	}
	for _, a := range p.analysers {
		a.Reset()
	}
}

// Sent returns how many chunks were handed to the consumer.
func (p *Pipeline) Sent() uint64 { return p.sent.Load() }

// Dropped returns how many chunks were discarded because the consumer was
// not ready.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }
