package main

import (
	"log/slog"

	"github.com/MrWong99/meli/internal/config"
	"github.com/MrWong99/meli/pkg/provider/live"
	"github.com/MrWong99/meli/pkg/provider/live/gemini"
	"github.com/MrWong99/meli/pkg/provider/live/genai"
	"github.com/MrWong99/meli/pkg/provider/live/openai"
)

// registerBuiltinProviders wires the live transports that ship with meli
// into reg.
func registerBuiltinProviders(reg *config.Registry, log *slog.Logger) {
	reg.RegisterProvider("gemini", func(entry config.ProviderConfig) (live.Provider, error) {
		opts := []gemini.Option{gemini.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	// genai goes through the official SDK and can target Vertex AI when a
	// project is configured.
	reg.RegisterProvider("genai", func(entry config.ProviderConfig) (live.Provider, error) {
		opts := []genai.Option{genai.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, genai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		if project := entry.OptionString("project", ""); project != "" {
			opts = append(opts, genai.WithVertexAI(project, entry.OptionString("location", "us-central1")))
		}
		return genai.New(entry.APIKey, opts...), nil
	})

	reg.RegisterProvider("openai", func(entry config.ProviderConfig) (live.Provider, error) {
		opts := []openai.Option{openai.WithLogger(log)}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})
}
