package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Run] polls the file.
const DefaultWatchInterval = 5 * time.Second

// Reload describes one accepted edit of the config file.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher tracks a config file on disk. Edits that fail to parse or validate
// are logged and ignored; the last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	snap snapshot
}

// snapshot is the last accepted state of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads the config at path. It does not poll until [Watcher.Run]
// is called.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With("component", "config", "path", path)

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.snap = snap
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.cfg
}

// Run polls the file until ctx is done and calls onReload for every
// accepted edit. It always returns nil.
func (w *Watcher) Run(ctx context.Context, onReload func(Reload)) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r, changed, err := w.Poll()
			switch {
			case err != nil:
				w.log.Warn("config reload rejected, keeping previous config", "err", err)
			case changed:
				w.log.Info("configuration reloaded",
					"log_level_changed", r.Diff.LogLevelChanged,
					"meter_fps_changed", r.Diff.MeterFPSChanged,
					"session_changed", r.Diff.SessionChanged,
				)
				if onReload != nil {
					onReload(r)
				}
			}
		}
	}
}

// Poll checks the file once. It reports changed only when the content
// differs from the current config and the new content is valid. A touch
// without a content change is not a change.
func (w *Watcher) Poll() (Reload, bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return Reload{}, false, err
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.snap.mtime)
	w.mu.Unlock()
	if unchanged {
		return Reload{}, false, nil
	}

	next, err := w.read()
	if err != nil {
		return Reload{}, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if next.sum == w.snap.sum {
		w.snap.mtime = next.mtime
		return Reload{}, false, nil
	}
	r := Reload{Old: w.snap.cfg, New: next.cfg, Diff: Diff(w.snap.cfg, next.cfg)}
	w.snap = next
	return r, true, nil
}

func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
