package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

func init() {
	RegisterResponder(ProviderAnthropic, newAnthropicResponderFromConfig, validateAnthropicConfig)
}

func validateAnthropicConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(cfg.Responder.APIKey) == "" {
		return fmt.Errorf("Anthropic API key is required (set responder.api_key or DOTMEMORY_RESPONDER_API_KEY)")
	}
	return nil
}

// AnthropicResponder generates replies with the Anthropic Messages API.
type AnthropicResponder struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicResponder(model string, maxTokens int, opts ...option.RequestOption) *AnthropicResponder {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicResponder{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: int64(maxTokens),
	}
}

func newAnthropicResponderFromConfig(cfg *config.Config) (Responder, error) {
	httpClient, err := newHTTPClient(cfg.Responder.Proxy, cfg.ResponderTimeout())
	if err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(strings.TrimSpace(cfg.Responder.APIKey)),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(cfg.Responder.APIBase); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return NewAnthropicResponder(cfg.Responder.Model, cfg.Responder.MaxTokens, opts...), nil
}

func (p *AnthropicResponder) Respond(ctx context.Context, message string, memories []memory.ScoredMemory) (string, error) {
	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(memories)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(message)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", anthropicError(err))
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		return "", fmt.Errorf("claude API returned no text (stop reason %q)", resp.StopReason)
	}
	return content, nil
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	msg := apiErr.Error()
	hinted := augmentProviderError(ProviderAnthropic, apiErr.StatusCode, msg)
	if hinted == msg {
		return err
	}
	return fmt.Errorf("%w: %s", err, strings.TrimSpace(strings.TrimPrefix(hinted, msg)))
}
