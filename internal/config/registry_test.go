package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/meli/internal/config"
	"github.com/MrWong99/meli/pkg/provider/live"
	livemock "github.com/MrWong99/meli/pkg/provider/live/mock"
)

func TestRegistry_CreateProvider(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var got config.ProviderConfig
	reg.RegisterProvider("mock", func(entry config.ProviderConfig) (live.Provider, error) {
		got = entry
		return &livemock.Provider{ProviderName: entry.Name}, nil
	})

	p, err := reg.CreateProvider(config.ProviderConfig{Name: "mock", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("Name = %q", p.Name())
	}
	if got.Model != "m1" {
		t.Errorf("factory received %+v", got)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().CreateProvider(config.ProviderConfig{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("missing key")
	reg.RegisterProvider("bad", func(config.ProviderConfig) (live.Provider, error) { return nil, boom })

	if _, err := reg.CreateProvider(config.ProviderConfig{Name: "bad"}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want factory error", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, n := range []string{"openai", "gemini", "genai"} {
		reg.RegisterProvider(n, nil)
	}
	if got, want := reg.Names(), []string{"gemini", "genai", "openai"}; !slices.Equal(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}
