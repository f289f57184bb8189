package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

func scored(t memory.MemoryType, content string) memory.ScoredMemory {
	return memory.ScoredMemory{Memory: memory.Memory{Type: t, Content: content, TurnNumber: 1, Confidence: 0.9}}
}

func TestCreateResponder_DefaultIsTemplate(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Responder.Provider = ""

	r, err := CreateResponder(cfg)
	if err != nil {
		t.Fatalf("create responder: %v", err)
	}
	if _, ok := r.(*TemplateResponder); !ok {
		t.Fatalf("expected template responder, got %T", r)
	}
}

func TestCreateResponder_Unsupported(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Responder.Provider = "carrier-pigeon"

	_, err := CreateResponder(cfg)
	if err == nil {
		t.Fatal("expected an error for an unknown provider")
	}
	if !strings.Contains(err.Error(), "anthropic, openai, template") {
		t.Fatalf("error should list supported responders, got %q", err)
	}
}

func TestValidateConfig_MissingKeys(t *testing.T) {
	for _, provider := range []string{ProviderOpenAI, ProviderAnthropic} {
		cfg := config.DefaultConfig()
		cfg.Responder.Provider = provider
		if err := ValidateConfig(cfg); err == nil {
			t.Errorf("%s without an api key should not validate", provider)
		}
	}

	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = ProviderOpenAI
	if err := ValidateConfig(cfg); err == nil {
		t.Error("openai embeddings without an api key should not validate")
	}

	if err := ValidateConfig(config.DefaultConfig()); err != nil {
		t.Errorf("defaults should validate offline: %v", err)
	}
}

func TestCreateEmbedder_Local(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Dimensions = 64

	e, release, err := CreateEmbedder(cfg)
	if err != nil {
		t.Fatalf("create embedder: %v", err)
	}
	defer release()
	if e.ModelID() != memory.ChargramModelID {
		t.Fatalf("expected chargram model, got %q", e.ModelID())
	}
	if _, ok := e.(*memory.CachedEmbedder); !ok {
		t.Fatalf("expected the embedder to be cached, got %T", e)
	}
	vec, err := e.Embed(context.Background(), "filter coffee")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 64 {
		t.Fatalf("expected 64 dims, got %d", len(vec))
	}
}

func TestCreateEmbedder_NoCacheAndNone(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Embedding.Provider = "hash"
	cfg.Embedding.CacheSize = 0

	e, release, err := CreateEmbedder(cfg)
	if err != nil {
		t.Fatalf("create embedder: %v", err)
	}
	release()
	if _, ok := e.(*memory.TimeoutEmbedder); !ok {
		t.Fatalf("expected a timeout-bounded embedder, got %T", e)
	}
	if e.ModelID() != memory.HashModelID {
		t.Fatalf("expected hash model, got %q", e.ModelID())
	}

	cfg.Embedding.Provider = "disabled"
	e, release, err = CreateEmbedder(cfg)
	if err != nil {
		t.Fatalf("create embedder: %v", err)
	}
	release()
	if e != nil {
		t.Fatalf("expected no embedder, got %T", e)
	}
}

func TestOpenAIResponder_SendsMemoriesInSystemPrompt(t *testing.T) {
	var seenAuth string
	var req struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		seenAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Namaskara!"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	cfg := config.DefaultConfig()
	cfg.Responder.Provider = ProviderOpenAI
	cfg.Responder.APIKey = "sk-test"
	cfg.Responder.APIBase = server.URL
	cfg.Responder.Model = "local-model"

	r, err := CreateResponder(cfg)
	if err != nil {
		t.Fatalf("create responder: %v", err)
	}
	out, err := r.Respond(context.Background(), "Say hello", []memory.ScoredMemory{
		scored(memory.TypePreference, "User's preferred language is Kannada"),
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if out != "Namaskara!" {
		t.Fatalf("unexpected reply %q", out)
	}
	if seenAuth != "Bearer sk-test" {
		t.Fatalf("expected bearer auth, got %q", seenAuth)
	}
	if req.Model != "local-model" {
		t.Fatalf("expected model local-model, got %q", req.Model)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "Say hello" {
		t.Fatalf("unexpected messages %+v", req.Messages)
	}
	if !strings.Contains(req.Messages[0].Content, "User's preferred language is Kannada") {
		t.Fatalf("system prompt should carry the memory, got %q", req.Messages[0].Content)
	}
}

func TestOpenAIResponder_ErrorHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	r := NewOpenAIResponder("sk-bad", server.URL, "", 0)
	_, err := r.Respond(context.Background(), "hi", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "Hint:") {
		t.Fatalf("expected a configuration hint, got %q", err)
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	var req struct {
		Input      []string `json:"input"`
		Model      string   `json:"model"`
		Dimensions int      `json:"dimensions"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.6,0.8,0]}],"model":"text-embedding-3-small"}`))
	}))
	defer server.Close()

	e := NewOpenAIEmbedder("sk-test", server.URL, "", 3)
	vec, err := e.Embed(context.Background(), "filter coffee")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.6 {
		t.Fatalf("unexpected vector %v", vec)
	}
	if req.Model != defaultOpenAIEmbeddingModel || req.Dimensions != 3 || len(req.Input) != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if e.ModelID() != "openai/text-embedding-3-small@3" {
		t.Fatalf("unexpected model id %q", e.ModelID())
	}
}

func TestOllamaEmbedder(t *testing.T) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"embedding":[0.25,0.5,0.75,1]}`))
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(server.URL, "", 0)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	if e.Dimensions() != 0 {
		t.Fatalf("dimensions should be unknown before the first call")
	}
	vec, err := e.Embed(context.Background(), "I live in Mysore")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 4 || vec[3] != 1 {
		t.Fatalf("unexpected vector %v", vec)
	}
	if e.Dimensions() != 4 {
		t.Fatalf("expected 4 dims after the first call, got %d", e.Dimensions())
	}
	if req.Model != defaultOllamaEmbeddingModel || req.Prompt != "I live in Mysore" {
		t.Fatalf("unexpected request %+v", req)
	}
	if e.ModelID() != "ollama/nomic-embed-text" {
		t.Fatalf("unexpected model id %q", e.ModelID())
	}
}

func TestOllamaEmbedder_ModelMissingHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model \"nomic-embed-text\" not found, try pulling it first"}`))
	}))
	defer server.Close()

	e, err := NewOllamaEmbedder(server.URL, "", 0)
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}
	_, err = e.Embed(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "ollama pull") {
		t.Fatalf("expected a pull hint, got %v", err)
	}
}

func TestAnthropicResponder(t *testing.T) {
	var seenKey string
	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		System    []struct {
			Text string `json:"text"`
		} `json:"system"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		seenKey = r.Header.Get("X-Api-Key")
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"I'll call you after 11 AM."}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":8}}`))
	}))
	defer server.Close()

	r := NewAnthropicResponder("claude-test", 256,
		option.WithAPIKey("ak-test"),
		option.WithBaseURL(server.URL),
		option.WithMaxRetries(0),
	)
	out, err := r.Respond(context.Background(), "Can you call me tomorrow?", []memory.ScoredMemory{
		scored(memory.TypeConstraint, "User is only available after 11 AM"),
	})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if out != "I'll call you after 11 AM." {
		t.Fatalf("unexpected reply %q", out)
	}
	if seenKey != "ak-test" {
		t.Fatalf("expected api key header, got %q", seenKey)
	}
	if req.Model != "claude-test" || req.MaxTokens != 256 {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(req.System) != 1 || !strings.Contains(req.System[0].Text, "available after 11 AM") {
		t.Fatalf("system prompt should carry the memory, got %+v", req.System)
	}
}

func TestAugmentProviderError(t *testing.T) {
	tests := []struct {
		provider string
		status   int
		message  string
		want     string
	}{
		{ProviderOpenAI, 401, "Incorrect API key provided", "responder.api_key"},
		{ProviderOpenAI, 400, "This model does not support specifying dimensions", "embedding.dimensions"},
		{ProviderAnthropic, 401, "invalid x-api-key", "Anthropic Console"},
		{ProviderOllama, 404, "model not found, try pulling it first", "ollama pull"},
	}
	for _, tt := range tests {
		got := augmentProviderError(tt.provider, tt.status, tt.message)
		if !strings.Contains(got, tt.want) {
			t.Errorf("augmentProviderError(%s, %q) = %q, want mention of %q", tt.provider, tt.message, got, tt.want)
		}
	}

	if got := augmentProviderError(ProviderOpenAI, 500, "upstream overloaded"); got != "upstream overloaded" {
		t.Errorf("unrelated errors should pass through, got %q", got)
	}
}
