// Package live defines the contract for streaming speech sessions with a
// remote model.
//
// A [Provider] dials the remote endpoint and completes its handshake; the
// resulting [Session] accepts 16 kHz PCM chunks and yields a single ordered
// stream of [Event] values: audio payloads, barge-in interruptions,
// transcripts, turn boundaries, errors and the final close. Consumers must
// handle events in the order they arrive, since an interruption only applies
// to audio that was received before it.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/meli/pkg/audio/pcm"
)

// ErrSessionClosed is returned by [Session.SendAudio] after Close or after the
// remote side ended the session.
var ErrSessionClosed = errors.New("live: session closed")

// EventType classifies the events emitted by a [Session].
type EventType int

const (
	// EventAudio carries one base64-encoded PCM payload of model speech.
	EventAudio EventType = iota

	// EventInterrupted signals remote barge-in: all audio received so far
	// must be discarded, including audio already scheduled for playback.
	EventInterrupted

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventTranscript carries recognised user speech or the text of model speech.
	EventTranscript

	// EventError reports a remote or transport error. Fatal errors are always
	// followed by the events channel closing.
	EventError

	// EventClose reports that the remote side closed the session. It is the
	// last event before the channel closes.
	EventClose
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventError:
		return "ERROR"
	case EventClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Event is one item of the ordered session stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType

	// Audio is the base64 PCM payload of an EventAudio.
	Audio string

	// SampleRate of Audio in Hz.
	SampleRate int

	// Channels of Audio; zero means mono.
	Channels int

	// Text and Speaker describe an EventTranscript.
	Text    string
	Speaker Speaker

	// Err is set for EventError.
	Err error

	// Fatal marks an EventError after which the session cannot continue.
	Fatal bool

	// Code and Reason describe an EventClose.
	Code   int
	Reason string
}

// SessionConfig is the initial configuration sent during the handshake.
type SessionConfig struct {
	// Voice is the provider-specific prebuilt voice name. Empty selects the
	// provider default.
	Voice string

	// Instructions is the system prompt for the session.
	Instructions string

	// Transcribe requests input and output transcription events.
	Transcribe bool
}

// Session is an open streaming connection. Callers must call Close when done.
type Session interface {
	// SendAudio forwards one encoded capture chunk. Delivery is best-effort:
	// an error means this chunk was not sent, not that the session is dead.
	SendAudio(ctx context.Context, chunk pcm.EncodedChunk) error

	// Events returns the ordered event stream. The channel is closed when the
	// session ends for any reason.
	Events() <-chan Event

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider opens sessions against one remote backend.
type Provider interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Connect dials the endpoint and returns once the remote handshake has
	// completed. A failed handshake returns a *HandshakeError.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// HandshakeError reports that the remote endpoint could not be reached or
// rejected the session setup.
type HandshakeError struct {
	Provider string
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s: handshake: %v", e.Provider, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RemoteError is an error message sent by the remote endpoint.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}
