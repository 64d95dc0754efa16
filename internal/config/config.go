// Package config provides the configuration schema, loader, and provider
// registry for the meli live audio engine.
package config

import (
	"time"

	"github.com/MrWong99/meli/pkg/audio/device"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Backend names a local audio device implementation.
type Backend string

const (
	BackendDefault   Backend = "default"
	BackendPortAudio Backend = "portaudio"
	BackendWAV       Backend = "wav"
	BackendNull      Backend = "null"
)

// IsValid reports whether b is a recognised device backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendDefault, BackendPortAudio, BackendWAV, BackendNull:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Meter    MeterConfig    `yaml:"meter"`
	Session  SessionConfig  `yaml:"session"`
}

// ServerConfig holds the dashboard listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the dashboard (e.g., ":8080"). Empty
	// disables the dashboard.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the dashboard. When nil, it serves plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProviderConfig selects and configures the remote live endpoint. Name is
// used to look up the constructor in the [Registry].
type ProviderConfig struct {
	// Name selects the registered provider (e.g., "gemini", "openai", "genai").
	Name string `yaml:"name"`

	// APIKey authenticates against the endpoint. When empty it is taken from
	// MELI_API_KEY, then from the provider's conventional variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model.
	Model string `yaml:"model"`

	// Voice is the provider-specific prebuilt voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system prompt sent on connect.
	Instructions string `yaml:"instructions"`

	// Transcribe requests input and output transcripts.
	Transcribe bool `yaml:"transcribe"`

	// Options holds provider-specific values not covered above, e.g.
	// "project" and "location" for the genai provider on Vertex AI.
	Options map[string]any `yaml:"options"`
}

// CaptureConfig configures the microphone.
type CaptureConfig struct {
	// Device selects the microphone backend.
	Device Backend `yaml:"device"`

	// Path is the input file for the wav backend.
	Path string `yaml:"path"`

	// SampleRate is the rate of emitted chunks. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per chunk. Default: 2048.
	FrameSize int `yaml:"frame_size"`

	// Voice-processing constraints; each defaults to true.
	EchoCancellation *bool `yaml:"echo_cancellation"`
	NoiseSuppression *bool `yaml:"noise_suppression"`
	AutoGainControl  *bool `yaml:"auto_gain_control"`
}

// Constraints converts the capture block into device constraints.
func (c CaptureConfig) Constraints() device.CaptureConstraints {
	return device.CaptureConstraints{
		SampleRate:       c.SampleRate,
		Channels:         1,
		EchoCancellation: boolOr(c.EchoCancellation, true),
		NoiseSuppression: boolOr(c.NoiseSuppression, true),
		AutoGainControl:  boolOr(c.AutoGainControl, true),
	}
}

// PlaybackConfig configures the speaker.
type PlaybackConfig struct {
	// Device selects the speaker backend.
	Device Backend `yaml:"device"`

	// Path is the output file for the wav backend.
	Path string `yaml:"path"`

	// SampleRate is the playback clock rate. Default: 24000.
	SampleRate int `yaml:"sample_rate"`

	// BufferFrames is the render quantum in samples. Default: 1024.
	BufferFrames int `yaml:"buffer_frames"`
}

// MeterConfig configures the live metrics extractor.
type MeterConfig struct {
	// FPS is the sampling cadence. Default: 60.
	FPS int `yaml:"fps"`

	// Threshold is the output level above which the output path is the
	// active source. Default: 0.05.
	Threshold float64 `yaml:"threshold"`
}

// SessionConfig configures connection handling.
type SessionConfig struct {
	// HandshakeTimeout bounds each connect attempt. Default: 15s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// AutoConnect starts a session as soon as the process is up.
	AutoConnect bool `yaml:"auto_connect"`

	// Breaker guards repeated handshake failures.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig mirrors the tuning of the handshake circuit breaker.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Probes      int           `yaml:"probes"`
}
