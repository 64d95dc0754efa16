// Package genai implements live.Provider on top of the official Google Gen AI
// SDK's Live API client.
//
// It speaks the same BidiGenerateContent protocol as package gemini but lets
// the SDK own the wire format, authentication headers and Vertex AI routing.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gws "github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/meli/pkg/audio"
	"github.com/MrWong99/meli/pkg/audio/pcm"
	"github.com/MrWong99/meli/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	eventBuffer  = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API base URL. A ws:// or wss:// scheme is kept as
// is, which lets tests point the client at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithVertexAI routes sessions through Vertex AI in the given project and
// location using application default credentials instead of an API key.
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.project = project
		p.location = location
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// Provider implements live.Provider using google.golang.org/genai.
type Provider struct {
	apiKey   string
	model    string
	baseURL  string
	project  string
	location string
	log      *slog.Logger
}

// New creates a Provider. apiKey may be empty when WithVertexAI is used.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "genai" }

func (p *Provider) clientConfig() *genai.ClientConfig {
	cc := &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL},
	}
	if p.project != "" {
		cc.Backend = genai.BackendVertexAI
		cc.Project = p.project
		cc.Location = p.location
	} else {
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = p.apiKey
	}
	return cc
}

func connectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Transcribe {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// Connect opens a Live session and waits for setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	client, err := genai.NewClient(ctx, p.clientConfig())
	if err != nil {
		return nil, &live.HandshakeError{Provider: p.Name(), Err: fmt.Errorf("client: %w", err)}
	}
	conn, err := client.Live.Connect(ctx, p.model, connectConfig(cfg))
	if err != nil {
		return nil, &live.HandshakeError{Provider: p.Name(), Err: err}
	}

	sess := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		log:    p.log.With("provider", p.Name()),
	}
	if err := sess.awaitSetup(ctx); err != nil {
		sess.shutdown()
		return nil, &live.HandshakeError{Provider: p.Name(), Err: err}
	}

	go sess.receiveLoop()
	return sess, nil
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *genai.Session
	events chan live.Event
	done   chan struct{}
	log    *slog.Logger

	// writeMu serialises writers; the SDK connection allows one at a time.
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// awaitSetup blocks until the server acknowledges the setup message. The SDK
// receive call is not context-aware, so cancellation closes the connection.
func (s *session) awaitSetup(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		for {
			msg, err := s.conn.Receive()
			if err != nil {
				result <- fmt.Errorf("await setupComplete: %w", err)
				return
			}
			if msg.SetupComplete != nil {
				result <- nil
				return
			}
		}
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		s.conn.Close()
		<-result
		return ctx.Err()
	}
}

func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.markClosed()
			s.emit(terminalEvent(err))
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

// terminalEvent maps a gorilla close frame to EventClose; the SDK surfaces
// every other failure, including remote error messages, as a plain error.
func terminalEvent(err error) live.Event {
	var ce *gws.CloseError
	if errors.As(err, &ce) {
		return live.Event{Type: live.EventClose, Code: ce.Code, Reason: ce.Text}
	}
	return live.Event{Type: live.EventError, Err: err, Fatal: true}
}

func (s *session) handle(msg *genai.LiveServerMessage) bool {
	if msg.GoAway != nil {
		s.log.Warn("server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}
	if sc.Interrupted && !s.emit(live.Event{Type: live.EventInterrupted}) {
		return false
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(live.Event{Type: live.EventTranscript, Speaker: live.SpeakerUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			ev := live.Event{
				Type:       live.EventAudio,
				Audio:      base64.StdEncoding.EncodeToString(p.InlineData.Data),
				SampleRate: live.RateFromMIME(p.InlineData.MIMEType, audio.PlaybackSampleRate),
			}
			if !s.emit(ev) {
				return false
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(live.Event{Type: live.EventTranscript, Speaker: live.SpeakerModel, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.TurnComplete && !s.emit(live.Event{Type: live.EventTurnComplete}) {
		return false
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SendAudio implements live.Session.
func (s *session) SendAudio(ctx context.Context, chunk pcm.EncodedChunk) error {
	if s.isClosed() {
		return live.ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	rate := chunk.SampleRate
	if rate == 0 {
		rate = audio.CaptureSampleRate
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.conn.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: pcm.MIMEType(rate), Data: chunk.Data},
	})
	if err != nil {
		if s.isClosed() {
			return live.ErrSessionClosed
		}
		return fmt.Errorf("genai: send audio: %w", err)
	}
	return nil
}

// Events implements live.Session.
func (s *session) Events() <-chan live.Event { return s.events }

// Close implements live.Session. Idempotent.
func (s *session) Close() error {
	s.shutdown()
	return nil
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.markClosed()
		close(s.done)
		_ = s.conn.Close()
	})
}
