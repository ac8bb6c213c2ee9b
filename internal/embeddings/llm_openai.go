// llm_openai.go adapts contracts.LLMProvider for the completion stage of
// search (§4.8): a chat-completions call for the non-streaming path, and an
// SSE-consuming stream for completion_start/delta/done events.
//
// Grounded on the teacher's internal/router/router.go callOpenAI (request
// shape, auth header) and RouteStream (provider fallback loop generalized
// away — SPEC_FULL.md assigns exactly one LLMProvider per search config, so
// fallback-across-providers has no role here).
package embeddings

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// OpenAILLMProvider implements contracts.LLMProvider against OpenAI's
// chat-completions API (and any OpenAI-compatible endpoint).
type OpenAILLMProvider struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

type OpenAILLMOption func(*OpenAILLMProvider)

func WithOpenAILLMEndpoint(endpoint string) OpenAILLMOption {
	return func(p *OpenAILLMProvider) { p.endpoint = endpoint }
}

func NewOpenAILLMProvider(apiKey, model string, opts ...OpenAILLMOption) *OpenAILLMProvider {
	p := &OpenAILLMProvider{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://api.openai.com/v1",
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func toChatMessages(messages []contracts.ChatMessage) []chatMessage {
	out := make([]chatMessage, len(messages))
	for i, m := range messages {
		out[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func (p *OpenAILLMProvider) Complete(ctx context.Context, messages []contracts.ChatMessage, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{Model: p.model, Messages: toChatMessages(messages), MaxTokens: maxTokens})
	if err != nil {
		return "", airerr.Wrap(airerr.InternalInvariantViolated, "marshal chat request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", airerr.Wrap(airerr.InternalInvariantViolated, "create chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", airerr.Wrap(airerr.Transient, "chat completion request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", airerr.Wrap(airerr.Transient, "read chat completion response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", airerr.New(airerr.Transient, fmt.Sprintf("chat completions returned %d: %s", resp.StatusCode, string(respBody)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", airerr.Wrap(airerr.Transient, "unmarshal chat completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamComplete opens an SSE stream and emits one CompletionDelta per
// "data: " line, closing the channel after the terminal [DONE] sentinel or
// a finish_reason, matching §4.8's completion_start/delta/done event shape
// (delta text only; event framing is the caller's job).
func (p *OpenAILLMProvider) StreamComplete(ctx context.Context, messages []contracts.ChatMessage, maxTokens int) (<-chan contracts.CompletionDelta, error) {
	body, err := json.Marshal(chatRequest{Model: p.model, Messages: toChatMessages(messages), MaxTokens: maxTokens, Stream: true})
	if err != nil {
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "marshal chat stream request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "create chat stream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "chat stream request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, airerr.New(airerr.Transient, fmt.Sprintf("chat stream returned %d: %s", resp.StatusCode, string(respBody)))
	}

	out := make(chan contracts.CompletionDelta)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				out <- contracts.CompletionDelta{Done: true}
				return
			}

			var chunk chatStreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			done := chunk.Choices[0].FinishReason != nil
			if text != "" {
				select {
				case out <- contracts.CompletionDelta{Text: text}:
				case <-ctx.Done():
					return
				}
			}
			if done {
				out <- contracts.CompletionDelta{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			out <- contracts.CompletionDelta{Err: airerr.Wrap(airerr.Transient, "chat stream read failed", err)}
		}
	}()
	return out, nil
}

var _ contracts.LLMProvider = (*OpenAILLMProvider)(nil)
