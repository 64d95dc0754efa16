package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/meli/internal/config"
)

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Provider.Name != "gemini" {
		t.Errorf("provider = %q, want gemini", cfg.Provider.Name)
	}
	if cfg.Capture.SampleRate != 16000 || cfg.Capture.FrameSize != 2048 {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Playback.SampleRate != 24000 || cfg.Playback.BufferFrames != 1024 {
		t.Errorf("playback = %+v", cfg.Playback)
	}
	if cfg.Meter.FPS != 60 || cfg.Meter.Threshold != 0.05 {
		t.Errorf("meter = %+v", cfg.Meter)
	}
	if cfg.Session.HandshakeTimeout != 15*time.Second {
		t.Errorf("handshake_timeout = %v, want 15s", cfg.Session.HandshakeTimeout)
	}

	c := cfg.Capture.Constraints()
	if !c.EchoCancellation || !c.NoiseSuppression || !c.AutoGainControl || c.Channels != 1 {
		t.Errorf("constraints = %+v, want processing on, mono", c)
	}
}

func TestLoadFromReader_FullDocument(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ":9090"
  log_level: debug
provider:
  name: openai
  api_key: sk-test
  model: gpt-realtime
  voice: alloy
  instructions: be brief
  transcribe: true
  options:
    project: demo
capture:
  device: wav
  path: in.wav
  echo_cancellation: false
playback:
  device: "null"
meter:
  fps: 30
  threshold: 0.1
session:
  handshake_timeout: 5s
  auto_connect: true
  breaker:
    max_failures: 2
    cooldown: 1m
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Provider.APIKey != "sk-test" || !cfg.Provider.Transcribe {
		t.Errorf("provider = %+v", cfg.Provider)
	}
	if got := cfg.Provider.OptionString("project", ""); got != "demo" {
		t.Errorf("option project = %q", got)
	}
	if got := cfg.Provider.OptionString("location", "us-central1"); got != "us-central1" {
		t.Errorf("option location default = %q", got)
	}
	if cfg.Capture.Constraints().EchoCancellation {
		t.Error("echo cancellation should be disabled")
	}
	if cfg.Playback.Device != config.BackendNull {
		t.Errorf("playback device = %q", cfg.Playback.Device)
	}
	if cfg.Session.HandshakeTimeout != 5*time.Second || cfg.Session.Breaker.Cooldown != time.Minute {
		t.Errorf("session = %+v", cfg.Session)
	}
	if !cfg.Session.AutoConnect {
		t.Error("auto_connect not decoded")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("provider:\n  nmae: gemini\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "nmae") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\n",
			want: []string{"server.log_level"},
		},
		{
			name: "wav without path",
			yaml: "capture:\n  device: wav\nplayback:\n  device: wav\n",
			want: []string{"capture.path", "playback.path"},
		},
		{
			name: "unknown backend",
			yaml: "playback:\n  device: alsa\n",
			want: []string{"playback.device"},
		},
		{
			name: "meter out of range",
			yaml: "meter:\n  fps: 1000\n  threshold: 2\n",
			want: []string{"meter.fps", "meter.threshold"},
		},
		{
			name: "half tls",
			yaml: "server:\n  tls:\n    cert_file: c.pem\n",
			want: []string{"server.tls"},
		},
		{
			name: "negative breaker",
			yaml: "session:\n  breaker:\n    max_failures: -1\n",
			want: []string{"session.breaker"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"GEMINI_API_KEY": "gemini-key",
		"OPENAI_API_KEY": "openai-key",
	}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		name     string
		provider string
		key      string
		extra    map[string]string
		want     string
	}{
		{name: "gemini fallback", provider: "gemini", want: "gemini-key"},
		{name: "openai fallback", provider: "openai", want: "openai-key"},
		{name: "meli key wins", provider: "gemini", extra: map[string]string{"MELI_API_KEY": "meli-key"}, want: "meli-key"},
		{name: "explicit key kept", provider: "gemini", key: "file-key", want: "file-key"},
		{name: "unknown provider", provider: "other", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lookup := getenv
			if tt.extra != nil {
				lookup = func(k string) string {
					if v, ok := tt.extra[k]; ok {
						return v
					}
					return getenv(k)
				}
			}
			cfg := &config.Config{Provider: config.ProviderConfig{Name: tt.provider, APIKey: tt.key}}
			config.ApplyEnv(cfg, lookup)
			if cfg.Provider.APIKey != tt.want {
				t.Errorf("api key = %q, want %q", cfg.Provider.APIKey, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "meli.yaml")
	writeFile(t, path, "provider:\n  name: genai\n  api_key: k\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.Name != "genai" {
		t.Errorf("provider = %q", cfg.Provider.Name)
	}
}
