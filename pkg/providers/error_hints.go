package providers

import (
	"net/http"
	"strings"
)

func augmentProviderError(providerName string, status int, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}

	lower := strings.ToLower(msg)
	providerName = normalizeName(providerName)

	switch providerName {
	case ProviderOpenAI:
		if status == http.StatusUnauthorized || strings.Contains(lower, "incorrect api key provided") {
			return msg + " Hint: check responder.api_key / embedding.api_key; OpenAI-compatible servers also need responder.api_base."
		}
		if status == http.StatusNotFound && strings.Contains(lower, "model") {
			return msg + " Hint: the configured model is not served by this endpoint; set responder.model or embedding.model."
		}
		if strings.Contains(lower, "dimensions") {
			return msg + " Hint: this embedding model does not support shortened vectors; set embedding.dimensions to 0."
		}
	case ProviderAnthropic:
		if status == http.StatusUnauthorized || strings.Contains(lower, "invalid x-api-key") {
			return msg + " Hint: provider anthropic expects an Anthropic Console API key in responder.api_key."
		}
		if status == http.StatusNotFound && strings.Contains(lower, "model") {
			return msg + " Hint: set responder.model to a model id available to your Anthropic account."
		}
	case ProviderOllama:
		if status == http.StatusNotFound || strings.Contains(lower, "not found, try pulling it first") {
			return msg + " Hint: pull the embedding model first (ollama pull <embedding.model>)."
		}
	}

	return msg
}
