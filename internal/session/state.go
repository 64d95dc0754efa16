package session

import "sync"

// State is the lifecycle state of the session owned by a [Manager].
type State int

const (
	// StateIdle means no session exists. Connect is allowed.
	StateIdle State = iota

	// StateConnecting means a handshake is in flight.
	StateConnecting

	// StateActive means capture is streaming and playback is armed.
	StateActive

	// StateClosed means the last session ended. It is terminal for that
	// session; a new Connect starts a fresh one.
	StateClosed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// NetworkQuality is a presentation signal derived from the session state and
// the recent capture delivery record.
type NetworkQuality string

const (
	QualityOffline   NetworkQuality = "OFFLINE"
	QualitySearching NetworkQuality = "SEARCHING"
	QualityWeak      NetworkQuality = "WEAK"
	QualityStable    NetworkQuality = "STABLE"
	QualityOptimal   NetworkQuality = "OPTIMAL"
)

// weakDropRatio is the drop ratio at and above which the link is WEAK.
const weakDropRatio = 0.10

// defaultLinkWindow is the number of recent capture chunks considered.
const defaultLinkWindow = 50

// linkWindow keeps the delivery outcome of the most recent capture chunks.
type linkWindow struct {
	mu      sync.Mutex
	ring    []bool
	next    int
	filled  int
	dropped int
}

func newLinkWindow(size int) *linkWindow {
	if size <= 0 {
		size = defaultLinkWindow
	}
	return &linkWindow{ring: make([]bool, size)}
}

// record stores one outcome, evicting the oldest once the window is full.
func (w *linkWindow) record(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == len(w.ring) {
		if !w.ring[w.next] {
			w.dropped--
		}
	} else {
		w.filled++
	}
	w.ring[w.next] = ok
	if !ok {
		w.dropped++
	}
	w.next = (w.next + 1) % len(w.ring)
}

// quality grades the window. An empty window counts as OPTIMAL.
func (w *linkWindow) quality() NetworkQuality {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.dropped == 0:
		return QualityOptimal
	case float64(w.dropped)/float64(w.filled) < weakDropRatio:
		return QualityStable
	default:
		return QualityWeak
	}
}
