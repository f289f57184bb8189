package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

const defaultHTTPTimeout = 120 * time.Second

// Responder produces the assistant reply for one turn from the user message
// and the memories retrieved for it.
type Responder interface {
	Respond(ctx context.Context, message string, memories []memory.ScoredMemory) (string, error)
}

const baseSystemPrompt = `You are a helpful assistant in a long-running conversation.
You remember things the user told you earlier; they are listed below when relevant.
Honour remembered instructions and constraints. Do not mention how your memory works.`

// systemPrompt renders the memories the retriever surfaced for this turn
// under the base instructions.
func systemPrompt(memories []memory.ScoredMemory) string {
	block := memory.FormatForPrompt(memories, true)
	if block == "" {
		return baseSystemPrompt
	}
	return baseSystemPrompt + "\n\n" + block
}

func newHTTPClient(proxy string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	client := &http.Client{Timeout: timeout}

	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy: %w", err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}
	return client, nil
}
