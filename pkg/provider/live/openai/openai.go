// Package openai implements live.Provider for OpenAI's Realtime API.
//
// The Realtime API speaks PCM16 at 24 kHz in both directions, so capture
// chunks are resampled on the way out. Server voice activity detection drives
// barge-in: input_audio_buffer.speech_started is surfaced as
// live.EventInterrupted.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/meli/pkg/audio"
	"github.com/MrWong99/meli/pkg/audio/pcm"
	"github.com/MrWong99/meli/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the only PCM16 rate the Realtime API accepts.
	wireRate = 24000

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	log     *slog.Logger
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "openai" }

// Connect dials the Realtime endpoint, sends session.update and waits for the
// server to acknowledge it with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &live.HandshakeError{Provider: p.Name(), Err: fmt.Errorf("dial: %w", err)}
	}
	conn.SetReadLimit(8 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		ctx:    sessCtx,
		cancel: sessCancel,
		log:    p.log.With("provider", p.Name()),
	}

	if err := sess.handshake(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusPolicyViolation, "session update failed")
		return nil, &live.HandshakeError{Provider: p.Name(), Err: err}
	}

	go sess.receiveLoop()
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection  `json:"turn_detection"`
}

type transcription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done /
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

func (e *serverErrorDetail) remote() *live.RemoteError {
	if e == nil {
		return &live.RemoteError{Message: "unknown error"}
	}
	code := e.Code
	if code == "" {
		code = e.Type
	}
	return &live.RemoteError{Code: code, Message: e.Message}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event
	log    *slog.Logger

	mu     sync.Mutex
	closed bool

	// sendMu keeps uplink chunks in filter order; up carries the resampler
	// state from one chunk to the next.
	sendMu sync.Mutex
	up     *audio.Resampler

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// handshake configures the session and blocks until session.updated.
func (s *session) handshake(ctx context.Context, cfg live.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.Transcribe {
		params.InputAudioTranscription = &transcription{Model: "whisper-1"}
	}
	data, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: params})
	if err != nil {
		return fmt.Errorf("marshal session.update: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("send session.update: %w", err)
	}

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "error":
			return evt.Error.remote()
		case "session.updated":
			return nil
		}
	}
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.markClosed()
			s.emit(live.TerminalEvent(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.log.Debug("skipping malformed frame", "err", err)
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(live.Event{Type: live.EventAudio, Audio: evt.Delta, SampleRate: wireRate})

	case "input_audio_buffer.speech_started":
		return s.emit(live.Event{Type: live.EventInterrupted})

	case "response.audio_transcript.done":
		if strings.TrimSpace(evt.Transcript) == "" {
			return true
		}
		return s.emit(live.Event{Type: live.EventTranscript, Speaker: live.SpeakerModel, Text: evt.Transcript})

	case "conversation.item.input_audio_transcription.completed":
		if strings.TrimSpace(evt.Transcript) == "" {
			return true
		}
		return s.emit(live.Event{Type: live.EventTranscript, Speaker: live.SpeakerUser, Text: evt.Transcript})

	case "response.done":
		return s.emit(live.Event{Type: live.EventTurnComplete})

	case "error":
		return s.emit(live.Event{Type: live.EventError, Err: evt.Error.remote()})
	}
	return true
}

// emit delivers ev in order, blocking until the consumer accepts it or the
// session is closed locally.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// ── live.Session methods ──────────────────────────────────────────────────────

// SendAudio appends one capture chunk to the server input buffer, resampled to
// the 24 kHz wire rate.
func (s *session) SendAudio(ctx context.Context, chunk pcm.EncodedChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrSessionClosed
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	payload, err := s.toWireRate(chunk)
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// The resampler may still be filling its filter.
	if len(payload) == 0 {
		return nil
	}
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// toWireRate returns chunk's PCM resampled to wireRate as the continuation of
// the uplink stream. Must be called with sendMu held.
func (s *session) toWireRate(chunk pcm.EncodedChunk) ([]byte, error) {
	rate := chunk.SampleRate
	if rate == 0 {
		rate = audio.CaptureSampleRate
	}
	if rate == wireRate {
		return chunk.Data, nil
	}
	samples, err := pcm.Decode(chunk.Data)
	if err != nil {
		return nil, err
	}
	if s.up == nil || s.up.From() != rate {
		if s.up, err = audio.NewResampler(rate, wireRate); err != nil {
			return nil, err
		}
	}
	out, err := s.up.Process(samples)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return pcm.Encode(out)
}

// Events implements live.Session.
func (s *session) Events() <-chan live.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.markClosed()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
