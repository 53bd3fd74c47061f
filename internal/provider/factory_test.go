package provider

import (
	"errors"
	"log/slog"
	"testing"

	"grove/internal/config"
	"grove/internal/domain"
)

func factoryConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Providers = map[string]config.ProviderConfig{
		"openrouter": {Enabled: true, APIKey: "k", APIBase: "https://openrouter.example"},
		"ollama":     {Enabled: true},
		"disabled":   {Enabled: false, APIKey: "k", APIBase: "https://x.example"},
		"compat":     {Enabled: true, APIKey: "k", APIBase: "https://compat.example/v1"},
		"broken":     {Enabled: true},
	}
	return cfg
}

func TestFactory_GetBuiltins(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())

	for _, name := range []string{"openrouter", "ollama"} {
		g, err := f.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if g.Name() != name {
			t.Errorf("Name() = %q, want %q", g.Name(), name)
		}
	}
}

func TestFactory_CachesInstances(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())

	a, err := f.Get("openrouter")
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Get("openrouter")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the same cached instance")
	}
}

func TestFactory_UnknownProvider(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())

	_, err := f.Get("missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFactory_DisabledProvider(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())

	if _, err := f.Get("disabled"); err == nil {
		t.Fatal("expected error for disabled provider")
	}
}

func TestFactory_OpenAICompatibleFallback(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())

	g, err := f.Get("compat")
	if err != nil {
		t.Fatalf("Get(compat): %v", err)
	}
	if _, ok := g.(*OpenRouter); !ok {
		t.Errorf("fallback generator is %T, want *OpenRouter", g)
	}
}

func TestFactory_NoConstructorNoAPIBase(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())

	if _, err := f.Get("broken"); err == nil {
		t.Fatal("expected error for provider without constructor or api base")
	}
}

func TestFactory_RegisterConstructor(t *testing.T) {
	f := NewFactory(factoryConfig(), testLogger())
	f.RegisterConstructor("broken", func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		return NewOllama(OllamaConfig{Logger: logger})
	})

	g, err := f.Get("broken")
	if err != nil {
		t.Fatalf("Get(broken): %v", err)
	}
	if g.Name() != "ollama" {
		t.Errorf("Name() = %q", g.Name())
	}
}
