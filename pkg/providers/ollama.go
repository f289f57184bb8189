package providers

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/ollama/ollama/api"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const (
	defaultOllamaHost           = "http://localhost:11434"
	defaultOllamaEmbeddingModel = "nomic-embed-text"
)

func init() {
	RegisterEmbedder(ProviderOllama, newOllamaEmbedderFromConfig, nil)
}

// OllamaEmbedder embeds text with a model served by a local Ollama daemon.
type OllamaEmbedder struct {
	client *api.Client
	model  string
	dims   atomic.Int64
}

func NewOllamaEmbedder(host, model string, dims int) (*OllamaEmbedder, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		host = defaultOllamaHost
	}
	uri, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOllamaEmbeddingModel
	}

	httpClient, err := newHTTPClient("", 0)
	if err != nil {
		return nil, err
	}
	e := &OllamaEmbedder{
		client: api.NewClient(uri, httpClient),
		model:  model,
	}
	if dims > 0 {
		e.dims.Store(int64(dims))
	}
	return e, nil
}

func newOllamaEmbedderFromConfig(cfg *config.Config) (memory.Embedder, error) {
	// The configured dimensions belong to the local embedders; ollama
	// reports its own once the first vector arrives.
	return NewOllamaEmbedder(cfg.Embedding.APIBase, cfg.Embedding.Model, 0)
}

func (e *OllamaEmbedder) ModelID() string { return "ollama/" + e.model }

// Dimensions is zero until the first successful call.
func (e *OllamaEmbedder) Dimensions() int { return int(e.dims.Load()) }

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embedding failed: %w", ollamaError(err))
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embedding: no vector returned")
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	e.dims.Store(int64(len(vec)))
	return vec, nil
}

func ollamaError(err error) error {
	var status api.StatusError
	if !errors.As(err, &status) {
		return err
	}
	hinted := augmentProviderError(ProviderOllama, status.StatusCode, status.ErrorMessage)
	if hinted == status.ErrorMessage {
		return err
	}
	return fmt.Errorf("%w: %s", err, strings.TrimSpace(strings.TrimPrefix(hinted, status.ErrorMessage)))
}
