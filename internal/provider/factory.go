// Package provider implements the generation backends and the factory that
// resolves them by name.
package provider

import (
	"fmt"
	"log/slog"
	"sync"

	"grove/internal/config"
	"grove/internal/domain"
)

// Constructor builds a generator from a config entry.
type Constructor func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator

// Factory creates and caches generators from config. It implements
// domain.GeneratorResolver.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]Constructor
	cache        map[string]domain.Generator
	mu           sync.RWMutex
}

// NewFactory creates a generator factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]Constructor),
		cache:        make(map[string]domain.Generator),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a generator constructor by name.
// This allows third-party or plugin backends to be registered at runtime.
func (f *Factory) RegisterConstructor(name string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

// registerDefaults registers all built-in generator constructors.
func (f *Factory) registerDefaults() {
	f.constructors["openrouter"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		return NewOpenRouter(OpenRouterConfig{
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Referer: pc.Referer,
			Title:   pc.Title,
			Logger:  logger,
		})
	}

	f.constructors["ollama"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Generator {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Logger: logger})
	}
}

// Get returns the generator with the given name. Created generators are
// cached so the same instance is reused across calls.
// Uses double-check locking to avoid TOCTOU races.
func (f *Factory) Get(name string) (domain.Generator, error) {
	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	// Slow path: write lock with double-check.
	f.mu.Lock()
	defer f.mu.Unlock()

	// Re-check under write lock (another goroutine may have created it).
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s", domain.ErrNotFound, name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	ctor, found := f.constructors[name]

	var g domain.Generator
	if found {
		g = ctor(pc, f.logger)
	} else if pc.APIBase != "" && pc.APIKey != "" {
		// Fallback: treat unknown providers as OpenAI-compatible.
		g = NewOpenRouter(OpenRouterConfig{
			APIKey:  pc.APIKey,
			APIBase: pc.APIBase,
			Model:   pc.DefaultModel,
			Logger:  f.logger,
		})
	} else {
		return nil, fmt.Errorf("provider %s: no constructor registered and no API base/key configured", name)
	}

	f.cache[name] = g
	return g, nil
}
