package embeddings

import (
	"time"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// NewOllamaLLMProvider builds an OpenAILLMProvider pointed at Ollama's
// OpenAI-compatible /v1/chat/completions endpoint, grounded on the
// teacher's callOllama (which reuses the OpenAI request/response wire shape
// against that endpoint). No API key required.
func NewOllamaLLMProvider(endpoint, model string) *OpenAILLMProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	p := NewOpenAILLMProvider("", model, WithOpenAILLMEndpoint(endpoint+"/v1"))
	p.client.Timeout = 180 * time.Second
	return p
}

var _ contracts.LLMProvider = (*OpenAILLMProvider)(nil)
