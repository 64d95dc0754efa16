// Package events carries human-readable log events from the engine to
// whatever UI layer is attached. The engine publishes; renderers subscribe.
//
// Every published event is also written to the structured logger so that a
// headless run keeps the same record.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Severity classifies a log event for display.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

// level maps a severity onto the matching slog level.
func (s Severity) level() slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Log is one display-only event.
type Log struct {
	Source   string    `json:"source"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}

// Publisher is the write side of a Bus. Components depend on this rather
// than on *Bus.
type Publisher interface {
	Publish(source string, sev Severity, msg string)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Severity, string) {}

const (
	defaultHistory    = 100
	subscriberBacklog = 32
)

// Bus fans events out to subscribers and retains a bounded history for late
// joiners. Delivery never blocks the publisher: a subscriber that falls
// behind misses events.
//
// Thread-safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	log     *slog.Logger
	now     func() time.Time
	history []Log
	next    int
	full    bool
	subs    map[chan Log]struct{}
	dropped int64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger mirrors published events to l. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithHistory sets how many recent events are kept for new subscribers.
func WithHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = make([]Log, n)
		}
	}
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewBus creates an empty Bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		log:     slog.Default(),
		now:     time.Now,
		history: make([]Log, defaultHistory),
		subs:    make(map[chan Log]struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

var _ Publisher = (*Bus)(nil)

// Publish records an event and delivers it to every subscriber.
func (b *Bus) Publish(source string, sev Severity, msg string) {
	ev := Log{Source: source, Message: msg, Severity: sev, Time: b.now()}
	b.log.Log(context.Background(), sev.level(), msg, "component", source, "severity", string(sev))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[b.next] = ev
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Recent returns the retained history, oldest first.
func (b *Bus) Recent() []Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked()
}

func (b *Bus) recentLocked() []Log {
	if !b.full {
		return append([]Log(nil), b.history[:b.next]...)
	}
	out := make([]Log, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	return append(out, b.history[:b.next]...)
}

// Subscribe returns a channel of future events together with the history
// retained at the moment of subscription. The channel is closed when ctx is
// done.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Log, []Log) {
	ch := make(chan Log, subscriberBacklog)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	backlog := b.recentLocked()
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, backlog
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
