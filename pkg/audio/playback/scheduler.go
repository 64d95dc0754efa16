package playback

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/meli/pkg/audio"
)

// SchedulerOption is a functional option for configuring a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger. Defaults to slog.Default().
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.log = l
	}
}

// WithOnScheduled registers a hook called after every enqueue with the
// scheduled start and duration in seconds. It runs under the scheduler lock
// and must not call back into the Scheduler.
func WithOnScheduled(fn func(start, duration float64)) SchedulerOption {
	return func(s *Scheduler) {
		s.onScheduled = fn
	}
}

// Scheduler places incoming segments back-to-back on the playback clock.
//
// The cursor is the clock time at which the next segment will start. When
// the cursor has fallen behind the clock (the queue ran dry) it catches up to
// the clock first, so a late segment never starts in the past. Interrupt
// stops everything and resets the cursor to zero; the next enqueue then
// snaps back to the clock.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out         *Context
	conv        audio.FormatConverter
	log         *slog.Logger
	onScheduled func(start, duration float64)

	mu     sync.Mutex
	cursor float64
	live   map[*Voice]struct{}
}

// NewScheduler creates a Scheduler rendering through out.
func NewScheduler(out *Context, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:  out,
		conv: audio.FormatConverter{Target: audio.Mono(out.SampleRate())},
		log:  slog.Default(),
		live: make(map[*Voice]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules seg immediately after everything already queued and
// returns its start time on the playback clock. Segments at a different rate
// are resampled to the context rate first; a segment that cannot be resampled
// is dropped. Empty segments are ignored.
func (s *Scheduler) Enqueue(seg audio.PlaybackSegment) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, err := s.conv.Convert(seg)
	if err != nil {
		s.log.Warn("dropping segment", "err", err)
		return max(s.cursor, s.out.CurrentTime())
	}
	if len(seg.Samples) == 0 {
		return max(s.cursor, s.out.CurrentTime())
	}

	// The end callback takes s.mu, so it cannot observe v before it is
	// assigned and added below.
	var v *Voice
	v, start := s.out.Schedule(seg.Samples, s.cursor, func() {
		s.mu.Lock()
		delete(s.live, v)
		s.mu.Unlock()
	})
	s.live[v] = struct{}{}
	dur := seg.Duration()
	s.cursor = start + dur

	if s.onScheduled != nil {
		s.onScheduled(start, dur)
	}
	return start
}

// Interrupt stops every tracked voice, clears the live set and resets the
// cursor to zero. It returns the number of voices stopped.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stopped := 0
	for v := range s.live {
		if v.Stop() {
			stopped++
		}
	}
	clear(s.live)
	s.cursor = 0
	return stopped
}

// Flush is [Scheduler.Interrupt] initiated locally, e.g. on teardown.
func (s *Scheduler) Flush() int {
	return s.Interrupt()
}

// Cursor returns the start time of the next segment as of the last enqueue.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Live returns the number of voices scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Pending returns how many seconds of queued audio remain ahead of the clock.
func (s *Scheduler) Pending() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.cursor - s.out.CurrentTime(); d > 0 {
		return d
	}
	return 0
}
