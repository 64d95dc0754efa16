package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the live providers that ship with meli.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini", "openai", "genai"}

// apiKeyEnv lists the environment variables consulted for an empty API key,
// most specific first.
var apiKeyEnv = map[string][]string{
	"gemini": {"MELI_API_KEY", "GEMINI_API_KEY"},
	"genai":  {"MELI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY"},
	"openai": {"MELI_API_KEY", "OPENAI_API_KEY"},
}

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = "gemini"
	DefaultCaptureRate      = 16000
	DefaultFrameSize        = 2048
	DefaultPlaybackRate     = 24000
	DefaultBufferFrames     = 1024
	DefaultMeterFPS         = 60
	DefaultMeterThreshold   = 0.05
	DefaultHandshakeTimeout = 15 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults and environment fallbacks applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Capture.Device == "" {
		cfg.Capture.Device = BackendDefault
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.FrameSize == 0 {
		cfg.Capture.FrameSize = DefaultFrameSize
	}
	if cfg.Playback.Device == "" {
		cfg.Playback.Device = BackendDefault
	}
	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultPlaybackRate
	}
	if cfg.Playback.BufferFrames == 0 {
		cfg.Playback.BufferFrames = DefaultBufferFrames
	}
	if cfg.Meter.FPS == 0 {
		cfg.Meter.FPS = DefaultMeterFPS
	}
	if cfg.Meter.Threshold == 0 {
		cfg.Meter.Threshold = DefaultMeterThreshold
	}
	if cfg.Session.HandshakeTimeout == 0 {
		cfg.Session.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// ApplyEnv fills an empty provider API key from the environment.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg.Provider.APIKey != "" {
		return
	}
	for _, name := range apiKeyEnv[cfg.Provider.Name] {
		if v := getenv(name); v != "" {
			cfg.Provider.APIKey = v
			return
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Provider
	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	} else if !slices.Contains(ValidProviderNames, cfg.Provider.Name) {
		slog.Warn("unknown provider name, may be a typo or a third-party provider",
			"name", cfg.Provider.Name,
			"known", ValidProviderNames,
		)
	}
	if cfg.Provider.APIKey == "" && cfg.Provider.BaseURL == "" {
		slog.Warn("provider.api_key is empty; connecting will likely fail", "provider", cfg.Provider.Name)
	}

	// Devices
	errs = append(errs, validateDevice("capture", cfg.Capture.Device, cfg.Capture.Path)...)
	errs = append(errs, validateDevice("playback", cfg.Playback.Device, cfg.Playback.Path)...)
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_size %d must be positive", cfg.Capture.FrameSize))
	}
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must be positive", cfg.Playback.SampleRate))
	}
	if cfg.Playback.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("playback.buffer_frames %d must be positive", cfg.Playback.BufferFrames))
	}

	// Meter
	if cfg.Meter.FPS < 0 || cfg.Meter.FPS > 240 {
		errs = append(errs, fmt.Errorf("meter.fps %d is out of range [1, 240]", cfg.Meter.FPS))
	}
	if cfg.Meter.Threshold < 0 || cfg.Meter.Threshold > 1 {
		errs = append(errs, fmt.Errorf("meter.threshold %.3f is out of range [0, 1]", cfg.Meter.Threshold))
	}

	// Session
	if cfg.Session.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.handshake_timeout %v must be positive", cfg.Session.HandshakeTimeout))
	}
	if b := cfg.Session.Breaker; b.MaxFailures < 0 || b.Probes < 0 || b.Cooldown < 0 {
		errs = append(errs, errors.New("session.breaker values must not be negative"))
	}

	return errors.Join(errs...)
}

func validateDevice(section string, b Backend, path string) []error {
	var errs []error
	if b != "" && !b.IsValid() {
		errs = append(errs, fmt.Errorf("%s.device %q is invalid; valid values: default, portaudio, wav, null", section, b))
	}
	if b == BackendWAV && path == "" {
		errs = append(errs, fmt.Errorf("%s.path is required when device is wav", section))
	}
	return errs
}
