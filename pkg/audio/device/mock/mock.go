// Package mock provides in-memory implementations of [device.Microphone] and
// [device.Speaker] for use in unit tests.
//
// All mocks are safe for concurrent use. They count opened and closed tracks
// so tests can assert that every acquired device was released.
//
// Typical usage:
//
//	mic := &mock.Microphone{Feed: make(chan []float32, 4)}
//	mic.Feed <- make([]float32, 2048)
//	...
//	if mic.OpenTracks() != 0 { t.Error("microphone leaked") }
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/meli/pkg/audio"
	"github.com/MrWong99/meli/pkg/audio/device"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [device.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// Format is reported by opened streams. Defaults to 16 kHz mono.
	Format audio.Format

	// Feed delivers sample blocks to readers. Closing it ends the stream with
	// io.EOF. A nil Feed blocks readers until the stream is closed.
	Feed chan []float32

	// Constraints records the constraints passed to each Open call.
	Constraints []device.CaptureConstraints

	opened int
	closed int
}

var _ device.Microphone = (*Microphone)(nil)

// Open implements [device.Microphone].
func (m *Microphone) Open(_ context.Context, c device.CaptureConstraints) (device.InputStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Constraints = append(m.Constraints, c)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	m.opened++
	f := m.Format
	if f.SampleRate == 0 {
		f = audio.Mono(audio.CaptureSampleRate)
	}
	return &inputStream{mic: m, format: f, feed: m.Feed, done: make(chan struct{})}, nil
}

// OpenCalls returns how many tracks were successfully opened.
func (m *Microphone) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// OpenTracks returns the number of tracks opened but not yet closed.
func (m *Microphone) OpenTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened - m.closed
}

type inputStream struct {
	mic    *Microphone
	format audio.Format
	feed   chan []float32
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	pending []float32
}

func (s *inputStream) Read(ctx context.Context, buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) == 0 {
		select {
		case <-s.done:
			return 0, device.ErrClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		case b, ok := <-s.feed:
			if !ok {
				return 0, io.EOF
			}
			s.pending = b
		}
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *inputStream) Format() audio.Format { return s.format }

func (s *inputStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.mic.mu.Lock()
		s.mic.closed++
		s.mic.mu.Unlock()
	})
	return nil
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [device.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenError is returned by Open when non-nil.
	OpenError error

	// Pace is slept on every Write, throttling the render loop.
	// Defaults to one millisecond.
	Pace time.Duration

	// Record keeps every written sample for inspection via [Speaker.Samples].
	Record bool

	opened  int
	closed  int
	written int
	samples []float32
}

var _ device.Speaker = (*Speaker)(nil)

// Open implements [device.Speaker].
func (s *Speaker) Open(_ context.Context, format audio.Format, _ int) (device.OutputStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	s.opened++
	pace := s.Pace
	if pace == 0 {
		pace = time.Millisecond
	}
	return &outputStream{spk: s, format: format, pace: pace}, nil
}

// OpenTracks returns the number of streams opened but not yet closed.
func (s *Speaker) OpenTracks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened - s.closed
}

// Written returns the total number of samples written across all streams.
func (s *Speaker) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Samples returns a copy of the recorded samples when Record is set.
func (s *Speaker) Samples() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float32(nil), s.samples...)
}

type outputStream struct {
	spk    *Speaker
	format audio.Format
	pace   time.Duration

	mu     sync.Mutex
	closed bool
}

func (o *outputStream) Write(samples []float32) error {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return device.ErrClosed
	}
	o.spk.mu.Lock()
	o.spk.written += len(samples)
	if o.spk.Record {
		o.spk.samples = append(o.spk.samples, samples...)
	}
	o.spk.mu.Unlock()
	time.Sleep(o.pace)
	return nil
}

func (o *outputStream) Format() audio.Format { return o.format }

func (o *outputStream) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.spk.mu.Lock()
	o.spk.closed++
	o.spk.mu.Unlock()
	return nil
}
