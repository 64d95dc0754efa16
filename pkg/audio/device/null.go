package device

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/meli/pkg/audio"
)

// pacer blocks callers so that samples flow at real-time speed, emulating a
// hardware clock for software devices.
type pacer struct {
	rate   int
	start  time.Time
	frames int64
}

// wait accounts for n more samples and sleeps until they are due, or until
// ctx is done.
func (p *pacer) wait(ctx context.Context, n int) error {
	if p.rate <= 0 {
		return nil
	}
	if p.start.IsZero() {
		p.start = time.Now()
	}
	p.frames += int64(n)
	due := p.start.Add(time.Duration(p.frames) * time.Second / time.Duration(p.rate))
	d := time.Until(due)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NullSpeaker discards rendered audio. With Realtime set, writes are paced to
// the stream's sample rate so the playback clock advances like real hardware.
type NullSpeaker struct {
	Realtime bool
}

var _ Speaker = NullSpeaker{}

// Open implements [Speaker].
func (s NullSpeaker) Open(_ context.Context, format audio.Format, _ int) (OutputStream, error) {
	ns := &nullOutput{format: format}
	if s.Realtime {
		ns.pace.rate = format.SampleRate
	}
	ns.ctx, ns.cancel = context.WithCancel(context.Background())
	return ns, nil
}

type nullOutput struct {
	format audio.Format
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	pace pacer
}

func (n *nullOutput) Write(samples []float32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	if err := n.pace.wait(n.ctx, len(samples)); err != nil {
		return ErrClosed
	}
	return nil
}

func (n *nullOutput) Format() audio.Format { return n.format }

func (n *nullOutput) Close() error {
	n.cancel()
	return nil
}

// SilentMicrophone yields zero samples at real-time pace. It is useful for
// exercising a session without capture hardware.
type SilentMicrophone struct{}

var _ Microphone = SilentMicrophone{}

// Open implements [Microphone].
func (SilentMicrophone) Open(_ context.Context, c CaptureConstraints) (InputStream, error) {
	rate := c.SampleRate
	if rate <= 0 {
		rate = audio.CaptureSampleRate
	}
	s := &silentInput{format: audio.Mono(rate)}
	s.pace.rate = rate
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

type silentInput struct {
	format audio.Format
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	pace pacer
}

func (s *silentInput) Read(ctx context.Context, buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return 0, ErrClosed
	}
	waitCtx, stop := mergeDone(ctx, s.ctx)
	defer stop()
	if err := s.pace.wait(waitCtx, len(buf)); err != nil {
		if s.ctx.Err() != nil {
			return 0, ErrClosed
		}
		return 0, err
	}
	clear(buf)
	return len(buf), nil
}

func (s *silentInput) Format() audio.Format { return s.format }

func (s *silentInput) Close() error {
	s.cancel()
	return nil
}

// mergeDone returns a context cancelled when either parent is done.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
