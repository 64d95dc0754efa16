package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/meli/internal/config"
	"github.com/MrWong99/meli/internal/meter"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "meli dev (") {
		t.Errorf("output = %q", out.String())
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	good := filepath.Join(dir, "meli.yaml")
	if err := os.WriteFile(good, []byte("meter:\n  fps: 30\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		wantErr bool
		wantFPS int
	}{
		{name: "explicit file", args: []string{"-c", good}, wantFPS: 30},
		{name: "explicit missing file", args: []string{"-c", filepath.Join(dir, "absent.yaml")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root := newRootCmd()
			if err := root.ParseFlags(tt.args); err != nil {
				t.Fatal(err)
			}
			cfg, _, err := loadConfig(root)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg.Meter.FPS != tt.wantFPS {
				t.Errorf("fps = %d, want %d", cfg.Meter.FPS, tt.wantFPS)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestApplyReload_LogLevel(t *testing.T) {
	t.Parallel()
	var lv slog.LevelVar
	applyReload(config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogWarn}, &lv, meter.New())
	if lv.Level() != slog.LevelWarn {
		t.Errorf("level = %v, want warn", lv.Level())
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, slog.New(slog.DiscardHandler))

	for _, name := range config.ValidProviderNames {
		p, err := reg.CreateProvider(config.ProviderConfig{Name: name, APIKey: "k"})
		if err != nil {
			t.Errorf("CreateProvider(%q): %v", name, err)
			continue
		}
		if p.Name() == "" {
			t.Errorf("provider %q has empty name", name)
		}
	}
}
