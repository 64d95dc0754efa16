// Package session owns the lifecycle of the single live audio session.
//
// A [Manager] moves through IDLE → CONNECTING → ACTIVE → CLOSED. Connect
// performs the remote handshake through a circuit breaker, then acquires the
// microphone and arms playback; any failure on the way returns to IDLE with
// everything released. Once ACTIVE, one goroutine forwards capture chunks to
// the transport and one goroutine consumes the transport's events in order,
// so an interruption is always applied before any audio that follows it.
// Disconnect, a remote close and a fatal remote error all run the same
// teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/meli/internal/events"
	"github.com/MrWong99/meli/internal/meter"
	"github.com/MrWong99/meli/internal/observe"
	"github.com/MrWong99/meli/internal/resilience"
	"github.com/MrWong99/meli/pkg/audio"
	"github.com/MrWong99/meli/pkg/audio/device"
	"github.com/MrWong99/meli/pkg/audio/pcm"
	"github.com/MrWong99/meli/pkg/provider/live"
)

// sourceSession labels lifecycle messages on the event bus.
const sourceSession = "session"

// DefaultHandshakeTimeout bounds a single Connect attempt.
const DefaultHandshakeTimeout = 15 * time.Second

// Config holds the collaborators and tuning of a [Manager].
type Config struct {
	// Provider opens remote sessions. Required.
	Provider live.Provider

	// Microphone is acquired on every successful handshake. Required.
	Microphone device.Microphone

	// Speaker receives rendered playback. When nil the playback clock only
	// advances if something else drives rendering.
	Speaker device.Speaker

	// Session is sent to the provider during the handshake.
	Session live.SessionConfig

	// Constraints requested from the microphone. Zero means
	// [device.DefaultCaptureConstraints].
	Constraints device.CaptureConstraints

	// FrameSize is the capture window in samples. Default: [audio.CaptureFrameSize].
	FrameSize int

	// PlaybackRate is the output clock rate. Default: [audio.PlaybackSampleRate].
	PlaybackRate int

	// BufferFrames is the render quantum handed to the speaker.
	BufferFrames int

	// HandshakeTimeout bounds each Connect. Default: [DefaultHandshakeTimeout].
	HandshakeTimeout time.Duration

	// LinkWindow is the number of recent capture chunks used to grade
	// network quality. Default: 50.
	LinkWindow int
}

// Option is a functional option for configuring a [Manager].
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithEvents sets the publisher for user-facing log events.
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithMeter attaches the session analysers to e while a session is active.
func WithMeter(e *meter.Extractor) Option {
	return func(m *Manager) { m.meter = e }
}

// WithSampleSink runs the meter loop while a session is active and hands
// every sample to fn. Requires [WithMeter].
func WithSampleSink(fn func(meter.Sample)) Option {
	return func(m *Manager) { m.sink = fn }
}

// WithBreaker overrides the circuit breaker guarding handshakes.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(m *Manager) { m.breaker = cb }
}

// WithOnStateChange registers fn to be called on every state transition. It
// runs under the manager lock and must not call back into the Manager.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(m *Manager) { m.onState = fn }
}

// Manager drives at most one live session at a time. All exported methods
// are safe for concurrent use.
type Manager struct {
	provider         live.Provider
	mic              device.Microphone
	speaker          device.Speaker
	sessCfg          live.SessionConfig
	constraints      device.CaptureConstraints
	frameSize        int
	playbackRate     int
	bufferFrames     int
	handshakeTimeout time.Duration
	linkWindow       int

	log     *slog.Logger
	metrics *observe.Metrics
	events  events.Publisher
	meter   *meter.Extractor
	sink    func(meter.Sample)
	breaker *resilience.CircuitBreaker
	onState func(from, to State)

	mu     sync.Mutex
	state  State
	handle *handle
}

// New creates a Manager in [StateIdle].
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Microphone == nil {
		return nil, errors.New("session: microphone is required")
	}
	m := &Manager{
		provider:         cfg.Provider,
		mic:              cfg.Microphone,
		speaker:          cfg.Speaker,
		sessCfg:          cfg.Session,
		constraints:      cfg.Constraints,
		frameSize:        cfg.FrameSize,
		playbackRate:     cfg.PlaybackRate,
		bufferFrames:     cfg.BufferFrames,
		handshakeTimeout: cfg.HandshakeTimeout,
		linkWindow:       cfg.LinkWindow,
		log:              slog.Default(),
		events:           events.Discard,
	}
	if m.constraints.SampleRate == 0 {
		m.constraints = device.DefaultCaptureConstraints()
	}
	if m.frameSize <= 0 {
		m.frameSize = audio.CaptureFrameSize
	}
	if m.playbackRate <= 0 {
		m.playbackRate = audio.PlaybackSampleRate
	}
	if m.handshakeTimeout <= 0 {
		m.handshakeTimeout = DefaultHandshakeTimeout
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "session", "provider", m.provider.Name())
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.breaker == nil {
		m.breaker = resilience.New(resilience.Config{Name: m.provider.Name()}, resilience.WithLogger(m.log))
	}
	return m, nil
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Connect starts a new session and returns once it is ACTIVE. It is a no-op
// while a session is CONNECTING or ACTIVE. On failure the manager is back in
// IDLE with nothing held, and the error is a *[HandshakeError], a
// *[PermissionError], or wraps [ErrAborted].
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateActive {
		state := m.state
		m.mu.Unlock()
		m.log.Debug("connect ignored", "state", state)
		return nil
	}
	prev := m.handle
	h := m.newHandle()
	m.handle = h
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	// A remote close may still be releasing the previous session.
	if prev != nil {
		prev.wait()
	}

	if err := m.establish(ctx, h); err != nil {
		if rerr := h.release(true); rerr != nil {
			h.log.Warn("release after failed connect", "err", rerr)
		}
		m.mu.Lock()
		if m.handle == h {
			m.setStateLocked(StateIdle)
		}
		m.mu.Unlock()
		h.log.Error("connect failed", "err", err)
		m.events.Publish(sourceSession, events.SeverityError, err.Error())
		return err
	}
	return nil
}

// Disconnect ends the active session. It is a no-op while IDLE or CLOSED.
// While CONNECTING it aborts the handshake; the pending Connect then returns
// [ErrAborted].
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateClosed:
		m.mu.Unlock()
		return nil
	case StateConnecting:
		m.handle.cancel()
		m.mu.Unlock()
		return nil
	}
	h := m.handle
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	m.events.Publish(sourceSession, events.SeverityInfo, "link terminated")
	if err := h.release(true); err != nil {
		return fmt.Errorf("session: disconnect: %w", err)
	}
	return nil
}

// establish runs the handshake, acquires the devices and starts the
// session goroutines.
func (m *Manager) establish(ctx context.Context, h *handle) error {
	ctx = observe.WithSessionID(ctx, h.id)
	ctx, span := observe.StartSpan(ctx, "session.connect",
		trace.WithAttributes(attribute.String("provider", m.provider.Name())))
	defer span.End()

	err := m.setup(ctx, h)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) setup(ctx context.Context, h *handle) error {
	sess, err := m.handshake(ctx, h)
	if err != nil {
		return err
	}
	h.sess = sess
	if h.ctx.Err() != nil {
		return ErrAborted
	}

	chunks, err := h.capture.Start(h.ctx)
	if err != nil {
		if errors.Is(err, device.ErrPermissionDenied) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("session: start capture: %w", err)
	}
	if m.speaker != nil {
		if err := h.playback.Start(h.ctx); err != nil {
			return fmt.Errorf("session: start playback: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ctx.Err() != nil {
		return ErrAborted
	}
	h.recvDone = make(chan struct{})
	h.workers.Go(func() error {
		m.forward(h, chunks)
		return nil
	})
	go m.receive(h)
	h.startMeter(m.sink)
	m.setStateLocked(StateActive)
	m.events.Publish(sourceSession, events.SeveritySuccess, "uplink established with "+m.provider.Name())
	return nil
}

// handshake opens the remote session through the breaker. A Disconnect
// during the handshake cancels it without counting against the breaker.
func (m *Manager) handshake(ctx context.Context, h *handle) (live.Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	start := time.Now()
	var sess live.Session
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
		defer cancel()
		s, err := m.provider.Connect(ctx, m.sessCfg)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		m.metrics.RecordHandshake(ctx, m.provider.Name(), time.Since(start).Seconds(), err)
	}
	if err != nil {
		if h.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, err)
		}
		return nil, &HandshakeError{Provider: m.provider.Name(), Err: err}
	}
	return sess, nil
}

// end moves an ACTIVE session to CLOSED after the remote side or the
// microphone ended it.
func (m *Manager) end(h *handle, cause error) {
	m.mu.Lock()
	if m.handle != h || m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if cause != nil {
		h.log.Error("session ended", "err", cause)
		m.events.Publish(sourceSession, events.SeverityError, cause.Error())
	}
	if err := h.release(false); err != nil {
		h.log.Warn("teardown", "err", err)
	}
}

// setStateLocked records a transition. Must be called with m.mu held.
func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	var id string
	if m.handle != nil {
		id = m.handle.id
	}
	m.metrics.RecordTransition(context.Background(), from.String(), to.String())
	m.log.Info("session state changed", "from", from.String(), "to", to.String(), "session_id", id)
	if m.onState != nil {
		m.onState(from, to)
	}
}

// ── Session goroutines ───────────────────────────────────────────────────────

// forward sends every capture chunk to the transport. Failed sends drop the
// chunk; capture carries on. If capture ends by itself the session ends with
// it.
func (m *Manager) forward(h *handle, chunks <-chan pcm.EncodedChunk) {
	for chunk := range chunks {
		if err := h.sess.SendAudio(h.ctx, chunk); err != nil {
			h.link.record(false)
			m.metrics.RecordCaptureChunk(h.ctx, "send_error")
			h.log.Debug("dropping capture chunk", "err", &TransportSendError{Err: err})
			continue
		}
		h.link.record(true)
		m.metrics.RecordCaptureChunk(h.ctx, "sent")
	}

	// The pipeline stopped on its own: without an uplink the session cannot
	// continue. end runs on its own goroutine because release waits for this
	// one.
	if err := h.capture.Err(); err != nil {
		go m.end(h, &UnrecoverableStreamError{Err: err})
	}
}

// receive consumes the transport's events in arrival order until the stream
// ends.
func (m *Manager) receive(h *handle) {
	defer close(h.recvDone)
	for ev := range h.sess.Events() {
		switch ev.Type {
		case live.EventAudio:
			m.play(h, ev)

		case live.EventInterrupted:
			n := h.scheduler.Interrupt()
			m.metrics.RecordInterrupt(h.ctx, n)
			h.log.Debug("playback interrupted", "stopped", n)

		case live.EventTurnComplete:
			h.log.Debug("turn complete")

		case live.EventTranscript:
			if ev.Text != "" {
				m.events.Publish(string(ev.Speaker), events.SeverityInfo, ev.Text)
			}

		case live.EventError:
			err := ev.Err
			if err == nil {
				err = errors.New("unknown remote error")
			}
			if ev.Fatal {
				m.finish(h, &UnrecoverableStreamError{Err: err})
				return
			}
			h.log.Warn("remote error", "err", err)
			m.events.Publish(sourceSession, events.SeverityWarning, err.Error())

		case live.EventClose:
			h.log.Info("remote closed session", "code", ev.Code, "reason", ev.Reason)
			m.events.Publish(sourceSession, events.SeverityWarning,
				fmt.Sprintf("remote closed link (%d) %s", ev.Code, ev.Reason))
			m.finish(h, nil)
			return
		}
	}
	m.end(h, &UnrecoverableStreamError{Err: live.ErrSessionClosed})
}

// finish ends the session from the receive loop on a terminal event. Events
// still queued behind it are discarded so the transport never blocks on a
// send while it is being closed.
func (m *Manager) finish(h *handle, cause error) {
	go audio.Drain(h.sess.Events())
	m.end(h, cause)
}

// play decodes one audio payload and schedules it. Undecodable payloads are
// dropped.
func (m *Manager) play(h *handle, ev live.Event) {
	rate := ev.SampleRate
	if rate <= 0 {
		rate = audio.PlaybackSampleRate
	}
	seg, err := pcm.DecodeBase64(ev.Audio, rate, ev.Channels)
	if err != nil {
		m.metrics.DecodeErrors.Add(h.ctx, 1)
		h.log.Warn("dropping undecodable audio", "err", err)
		return
	}
	now := h.playback.CurrentTime()
	start := h.scheduler.Enqueue(seg)
	m.metrics.RecordSegment(h.ctx, start-now)
}

// ── Queries ──────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NetworkQuality grades the link. It is OFFLINE whenever no session is
// ACTIVE and SEARCHING during the handshake.
func (m *Manager) NetworkQuality() NetworkQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qualityLocked()
}

func (m *Manager) qualityLocked() NetworkQuality {
	switch m.state {
	case StateConnecting:
		return QualitySearching
	case StateActive:
		return m.handle.link.quality()
	default:
		return QualityOffline
	}
}

// Status is a point-in-time view of the manager for health checks and the
// dashboard.
type Status struct {
	ID            string         `json:"id,omitempty"`
	State         State          `json:"state"`
	Quality       NetworkQuality `json:"quality"`
	Provider      string         `json:"provider"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	ChunksSent    uint64         `json:"chunks_sent"`
	ChunksDropped uint64         `json:"chunks_dropped"`
	Segments      int            `json:"segments"`
	Pending       float64        `json:"pending_seconds"`
}

// Status returns a snapshot of the current session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:    m.state,
		Quality:  m.qualityLocked(),
		Provider: m.provider.Name(),
	}
	if m.state != StateActive {
		return st
	}
	h := m.handle
	st.ID = h.id
	st.StartedAt = h.startedAt
	st.ChunksSent = h.capture.Sent()
	st.ChunksDropped = h.capture.Dropped()
	st.Segments = h.scheduler.Live()
	st.Pending = h.scheduler.Pending()
	return st
}

// Breaker returns the circuit breaker guarding handshakes.
func (m *Manager) Breaker() *resilience.CircuitBreaker { return m.breaker }
