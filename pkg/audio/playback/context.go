// Package playback plays decoded remote speech gaplessly against a
// monotonic playback clock.
//
// [Context] is a small software audio context: it owns the clock (rendered
// samples divided by the sample rate), mixes scheduled [Voice] values
// sample-accurately, and pushes the result to a [device.Speaker] whose
// blocking writes pace the render loop. [Scheduler] sits on top and places
// each incoming segment back-to-back on the clock, flushing everything on
// barge-in.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/MrWong99/meli/pkg/audio"
	"github.com/MrWong99/meli/pkg/audio/analyser"
	"github.com/MrWong99/meli/pkg/audio/device"
)

// DefaultBufferFrames is the render quantum pushed to the speaker per write.
const DefaultBufferFrames = 1024

// ErrContextClosed is returned by [Context.Start] after [Context.Close].
var ErrContextClosed = errors.New("playback: context closed")

// ContextOption is a functional option for configuring a [Context].
type ContextOption func(*Context)

// WithSampleRate sets the output rate. Defaults to [audio.PlaybackSampleRate].
func WithSampleRate(rate int) ContextOption {
	return func(c *Context) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// WithBufferFrames sets the number of samples rendered per device write.
func WithBufferFrames(n int) ContextOption {
	return func(c *Context) {
		if n > 0 {
			c.bufferFrames = n
		}
	}
}

// WithOutputAnalyser taps rendered output into a. It may be given more than
// once.
func WithOutputAnalyser(a *analyser.Analyser) ContextOption {
	return func(c *Context) {
		if a != nil {
			c.analysers = append(c.analysers, a)
		}
	}
}

// WithContextLogger sets the logger. Defaults to slog.Default().
func WithContextLogger(l *slog.Logger) ContextOption {
	return func(c *Context) {
		c.log = l
	}
}

// Context renders scheduled voices and owns the playback clock. The clock
// only moves forward, one render quantum at a time.
//
// All methods are safe for concurrent use.
type Context struct {
	speaker      device.Speaker
	rate         int
	bufferFrames int
	analysers    []*analyser.Analyser
	log          *slog.Logger

	mu     sync.Mutex
	frames int64
	voices map[uint64]*Voice
	nextID uint64
	out    device.OutputStream
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewContext creates a Context that will render to speaker once started.
// speaker may be nil when the caller drives [Context.Render] itself.
func NewContext(speaker device.Speaker, opts ...ContextOption) *Context {
	c := &Context{
		speaker:      speaker,
		rate:         audio.PlaybackSampleRate,
		bufferFrames: DefaultBufferFrames,
		log:          slog.Default(),
		voices:       make(map[uint64]*Voice),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "playback")
	return c
}

// Start opens the speaker and launches the render loop. The loop runs until
// ctx is cancelled, the speaker fails, or [Context.Close] is called.
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrContextClosed
	}
	if c.out != nil {
		return nil
	}
	if c.speaker == nil {
		return fmt.Errorf("playback: no speaker configured")
	}

	out, err := c.speaker.Open(ctx, audio.Mono(c.rate), c.bufferFrames)
	if err != nil {
		return fmt.Errorf("playback: open speaker: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.out = out
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(runCtx, out, c.done)
	return nil
}

func (c *Context) loop(ctx context.Context, out device.OutputStream, done chan struct{}) {
	defer close(done)
	buf := make([]float32, c.bufferFrames)
	for ctx.Err() == nil {
		c.Render(buf)
		if err := out.Write(buf); err != nil {
			if !errors.Is(err, device.ErrClosed) && ctx.Err() == nil {
				c.log.Error("speaker write failed, stopping render loop", "err", err)
			}
			return
		}
	}
}

// SampleRate returns the output rate in Hz.
func (c *Context) SampleRate() int { return c.rate }

// CurrentTime returns the playback clock in seconds.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.frames) / float64(c.rate)
}

// Play schedules samples to start at clock time at (seconds). A start time in
// the past begins at the next rendered sample. onEnded, if non-nil, is called
// from the render goroutine once the last sample has been rendered; it is not
// called for voices ended via [Voice.Stop].
func (c *Context) Play(samples []float32, at float64, onEnded func()) *Voice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playLocked(samples, int64(math.Round(at*float64(c.rate))), onEnded)
}

// Schedule is [Context.Play] with the start clamped to the clock: a voice
// asked to start in the past starts at the current time instead. The clamp
// and the placement happen under one lock, so the returned start is exactly
// where the first sample will be rendered.
func (c *Context) Schedule(samples []float32, notBefore float64, onEnded func()) (*Voice, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := max(int64(math.Round(notBefore*float64(c.rate))), c.frames)
	return c.playLocked(samples, frame, onEnded), float64(frame) / float64(c.rate)
}

// playLocked registers a voice at frame. Must be called with c.mu held.
func (c *Context) playLocked(samples []float32, frame int64, onEnded func()) *Voice {
	c.nextID++
	v := &Voice{
		ctx:        c,
		id:         c.nextID,
		samples:    samples,
		startFrame: frame,
		onEnded:    onEnded,
	}
	if c.closed {
		v.stopped = true
		return v
	}
	c.voices[v.id] = v
	return v
}

// Voices returns the number of voices currently scheduled or playing.
func (c *Context) Voices() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.voices)
}

// Render mixes the next len(dst) samples into dst and advances the clock by
// the same amount. It is called by the render loop; tests may call it
// directly on a context that was never started.
func (c *Context) Render(dst []float32) {
	clear(dst)
	var ended []func()

	c.mu.Lock()
	blockStart := c.frames
	blockEnd := blockStart + int64(len(dst))
	for id, v := range c.voices {
		if !v.begun && v.startFrame < blockStart {
			v.startFrame = blockStart
		}
		if v.startFrame >= blockEnd {
			continue
		}
		v.begun = true
		from := max(v.startFrame, blockStart)
		to := min(v.startFrame+int64(len(v.samples)), blockEnd)
		for f := from; f < to; f++ {
			dst[f-blockStart] += v.samples[f-v.startFrame]
		}
		if v.startFrame+int64(len(v.samples)) <= blockEnd {
			delete(c.voices, id)
			v.stopped = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	c.frames = blockEnd
	c.mu.Unlock()

	for i, s := range dst {
		dst[i] = audio.Clamp(s)
	}
	for _, a := range c.analysers {
		a.Write(dst)
	}
	for _, fn := range ended {
		fn()
	}
}

func (c *Context) stop(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.voices[id]
	if !ok {
		return false
	}
	v.stopped = true
	delete(c.voices, id)
	return true
}

// StopAll stops every scheduled or playing voice and returns how many were
// stopped.
func (c *Context) StopAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.voices)
	for id, v := range c.voices {
		v.stopped = true
		delete(c.voices, id)
	}
	return n
}

// Close stops all voices, ends the render loop and releases the speaker. The
// clock keeps its last value. Safe to call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, v := range c.voices {
		v.stopped = true
		delete(c.voices, id)
	}
	cancel, out, done := c.cancel, c.out, c.done
	c.out = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if out != nil {
		err = out.Close()
	}
	if done != nil {
		<-done
	}
	for _, a := range c.analysers {
		a.Reset()
	}
	if err != nil {
		return fmt.Errorf("playback: close speaker: %w", err)
	}
	return nil
}

// Voice is one scheduled buffer of samples on a [Context].
type Voice struct {
	ctx        *Context
	id         uint64
	samples    []float32
	startFrame int64
	onEnded    func()

	// Guarded by ctx.mu.
	begun   bool
	stopped bool
}

// Start returns the scheduled start time in seconds.
func (v *Voice) Start() float64 {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return float64(v.startFrame) / float64(v.ctx.rate)
}

// Duration returns the voice length in seconds.
func (v *Voice) Duration() float64 {
	return float64(len(v.samples)) / float64(v.ctx.rate)
}

// Stop halts the voice immediately. It reports whether the voice was still
// scheduled or playing.
func (v *Voice) Stop() bool {
	return v.ctx.stop(v.id)
}

// Done reports whether the voice has finished or was stopped.
func (v *Voice) Done() bool {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	return v.stopped
}
