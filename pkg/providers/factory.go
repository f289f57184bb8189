package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const (
	ProviderTemplate  = "template"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderChargram  = "chargram"
	ProviderHash      = "hash"
	ProviderNone      = "none"
)

type responderFactory struct {
	build    func(cfg *config.Config) (Responder, error)
	validate func(cfg *config.Config) error
}

type embedderFactory struct {
	build    func(cfg *config.Config) (memory.Embedder, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	responders      = map[string]responderFactory{}
	embedders       = map[string]embedderFactory{}
	registrationErr error
)

func RegisterResponder(name string, build func(cfg *config.Config) (Responder, error), validate func(cfg *config.Config) error) {
	name = normalizeName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: responder name is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: responder %q build func is required", name))
		return
	}
	responders[name] = responderFactory{build: build, validate: validate}
}

func RegisterEmbedder(name string, build func(cfg *config.Config) (memory.Embedder, error), validate func(cfg *config.Config) error) {
	name = normalizeName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: embedder name is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: embedder %q build func is required", name))
		return
	}
	embedders[name] = embedderFactory{build: build, validate: validate}
}

func SupportedResponders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return sortedKeys(responders)
}

func SupportedEmbedders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	return sortedKeys(embedders)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ResponderName is the configured responder provider, template when unset.
func ResponderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderTemplate
	}
	if name := normalizeName(cfg.Responder.Provider); name != "" {
		return name
	}
	return ProviderTemplate
}

// EmbedderName is the configured embedding provider, chargram when unset.
func EmbedderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderChargram
	}
	name := normalizeName(cfg.Embedding.Provider)
	switch name {
	case "":
		return ProviderChargram
	case "disabled", "off":
		return ProviderNone
	}
	return name
}

// ValidateConfig checks that the configured responder and embedder exist and
// have what they need to be built.
func ValidateConfig(cfg *config.Config) error {
	rf, _, err := getResponderFactory(cfg)
	if err != nil {
		return err
	}
	ef, _, err := getEmbedderFactory(cfg)
	if err != nil {
		return err
	}
	var errs []error
	if rf.validate != nil {
		errs = append(errs, rf.validate(cfg))
	}
	if ef.validate != nil {
		errs = append(errs, ef.validate(cfg))
	}
	return errors.Join(errs...)
}

func CreateResponder(cfg *config.Config) (Responder, error) {
	factory, name, err := getResponderFactory(cfg)
	if err != nil {
		return nil, err
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, err
		}
	}
	r, err := factory.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("build responder %s: %w", name, err)
	}
	return r, nil
}

// CreateEmbedder builds the configured embedder wrapped with the call
// timeout and, when a cache size is set, the embedding cache. It returns a
// nil embedder for provider "none". The returned func releases the cache.
func CreateEmbedder(cfg *config.Config) (memory.Embedder, func(), error) {
	noop := func() {}
	factory, name, err := getEmbedderFactory(cfg)
	if err != nil {
		return nil, noop, err
	}
	if factory.validate != nil {
		if err := factory.validate(cfg); err != nil {
			return nil, noop, err
		}
	}
	base, err := factory.build(cfg)
	if err != nil {
		return nil, noop, fmt.Errorf("build embedder %s: %w", name, err)
	}
	if base == nil {
		return nil, noop, nil
	}

	var e memory.Embedder = memory.NewTimeoutEmbedder(base, cfg.EmbeddingTimeout())
	if cfg.Embedding.CacheSize <= 0 {
		return e, noop, nil
	}
	cached, err := memory.NewCachedEmbedder(e, cfg.Embedding.CacheSize)
	if err != nil {
		return nil, noop, fmt.Errorf("embedding cache: %w", err)
	}
	return cached, cached.Close, nil
}

func getResponderFactory(cfg *config.Config) (responderFactory, string, error) {
	name := ResponderName(cfg)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return responderFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := responders[name]
	factoryMu.RUnlock()
	if !ok {
		return responderFactory{}, name, fmt.Errorf("unsupported responder %q: supported responders are %s", name, strings.Join(SupportedResponders(), ", "))
	}
	return factory, name, nil
}

func getEmbedderFactory(cfg *config.Config) (embedderFactory, string, error) {
	name := EmbedderName(cfg)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return embedderFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := embedders[name]
	factoryMu.RUnlock()
	if !ok {
		return embedderFactory{}, name, fmt.Errorf("unsupported embedding provider %q: supported providers are %s", name, strings.Join(SupportedEmbedders(), ", "))
	}
	return factory, name, nil
}

func init() {
	local := func(cfg *config.Config) (memory.Embedder, error) {
		return memory.NewLocalEmbedder(EmbedderName(cfg), cfg.Embedding.Dimensions)
	}
	RegisterEmbedder(ProviderChargram, local, nil)
	RegisterEmbedder(ProviderHash, local, nil)
	RegisterEmbedder(ProviderNone, func(*config.Config) (memory.Embedder, error) { return nil, nil }, nil)
}
