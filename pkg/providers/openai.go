package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const (
	defaultOpenAIModel          = "gpt-4o-mini"
	defaultOpenAIEmbeddingModel = string(openai.SmallEmbedding3)
)

func init() {
	RegisterResponder(ProviderOpenAI, newOpenAIResponderFromConfig, validateOpenAIResponderConfig)
	RegisterEmbedder(ProviderOpenAI, newOpenAIEmbedderFromConfig, validateOpenAIEmbedderConfig)
}

func validateOpenAIResponderConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Responder.APIKey) == "" {
		return fmt.Errorf("OpenAI API key is required (set responder.api_key or DOTMEMORY_RESPONDER_API_KEY)")
	}
	return nil
}

func validateOpenAIEmbedderConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Embedding.APIKey) == "" {
		return fmt.Errorf("OpenAI API key is required for embeddings (set embedding.api_key or DOTMEMORY_EMBEDDING_API_KEY)")
	}
	return nil
}

func newOpenAIClient(apiKey, apiBase string, clientConfig func(*openai.ClientConfig)) *openai.Client {
	cc := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if base := strings.TrimRight(strings.TrimSpace(apiBase), "/"); base != "" {
		cc.BaseURL = base
	}
	if clientConfig != nil {
		clientConfig(&cc)
	}
	return openai.NewClientWithConfig(cc)
}

// OpenAIResponder generates replies through any OpenAI-compatible chat
// completions endpoint.
type OpenAIResponder struct {
	client    *openai.Client
	model     string
	maxTokens int
}

func NewOpenAIResponder(apiKey, apiBase, model string, maxTokens int) *OpenAIResponder {
	return newOpenAIResponder(newOpenAIClient(apiKey, apiBase, nil), model, maxTokens)
}

func newOpenAIResponder(client *openai.Client, model string, maxTokens int) *OpenAIResponder {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIResponder{client: client, model: model, maxTokens: maxTokens}
}

func newOpenAIResponderFromConfig(cfg *config.Config) (Responder, error) {
	httpClient, err := newHTTPClient(cfg.Responder.Proxy, cfg.ResponderTimeout())
	if err != nil {
		return nil, err
	}
	client := newOpenAIClient(cfg.Responder.APIKey, cfg.Responder.APIBase, func(cc *openai.ClientConfig) {
		cc.HTTPClient = httpClient
	})
	return newOpenAIResponder(client, cfg.Responder.Model, cfg.Responder.MaxTokens), nil
}

func (p *OpenAIResponder) Respond(ctx context.Context, message string, memories []memory.ScoredMemory) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(memories)},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
	}
	if p.maxTokens > 0 {
		req.MaxTokens = p.maxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", openAIError(err))
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai completion returned no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("openai completion returned empty content (finish reason %q)", resp.Choices[0].FinishReason)
	}
	return content, nil
}

// OpenAIEmbedder embeds text through an OpenAI-compatible embeddings
// endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

func NewOpenAIEmbedder(apiKey, apiBase, model string, dims int) *OpenAIEmbedder {
	return newOpenAIEmbedder(newOpenAIClient(apiKey, apiBase, nil), model, dims)
}

func newOpenAIEmbedder(client *openai.Client, model string, dims int) *OpenAIEmbedder {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultOpenAIEmbeddingModel
	}
	if dims < 0 {
		dims = 0
	}
	return &OpenAIEmbedder{client: client, model: model, dims: dims}
}

func newOpenAIEmbedderFromConfig(cfg *config.Config) (memory.Embedder, error) {
	httpClient, err := newHTTPClient("", cfg.EmbeddingTimeout())
	if err != nil {
		return nil, err
	}
	client := newOpenAIClient(cfg.Embedding.APIKey, cfg.Embedding.APIBase, func(cc *openai.ClientConfig) {
		cc.HTTPClient = httpClient
	})
	return newOpenAIEmbedder(client, cfg.Embedding.Model, cfg.Embedding.Dimensions), nil
}

// ModelID includes the dimensions so vectors of a shortened model are never
// compared with full-length ones.
func (e *OpenAIEmbedder) ModelID() string {
	if e.dims > 0 {
		return fmt.Sprintf("openai/%s@%d", e.model, e.dims)
	}
	return "openai/" + e.model
}

func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dims > 0 {
		req.Dimensions = e.dims
	}
	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embedding failed: %w", openAIError(err))
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embedding: no vector returned")
	}
	return resp.Data[0].Embedding, nil
}

// openAIError appends a configuration hint to API errors where one helps.
func openAIError(err error) error {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	hinted := augmentProviderError(ProviderOpenAI, apiErr.HTTPStatusCode, apiErr.Message)
	if hinted == apiErr.Message {
		return err
	}
	return fmt.Errorf("%w: %s", err, strings.TrimSpace(strings.TrimPrefix(hinted, apiErr.Message)))
}
