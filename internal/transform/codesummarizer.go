package transform

import (
	"context"
	"fmt"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// CodeSummarizer calls an LLMProvider to produce a short natural-language
// summary appended to the embeddable text (§4.4, optional transformer).
type CodeSummarizer struct {
	LLM       contracts.LLMProvider
	MaxTokens int
}

func NewCodeSummarizer(llm contracts.LLMProvider) *CodeSummarizer {
	return &CodeSummarizer{LLM: llm, MaxTokens: 120}
}

func (c *CodeSummarizer) Name() string { return "code_summarizer" }

func (c *CodeSummarizer) Transform(ctx context.Context, e models.Entity) ([]models.Entity, error) {
	if c.LLM == nil || e.EmbeddableText == "" {
		return []models.Entity{e}, nil
	}

	messages := []contracts.ChatMessage{
		{Role: "system", Content: "Summarize the following code chunk in one or two sentences."},
		{Role: "user", Content: e.EmbeddableText},
	}
	summary, err := c.LLM.Complete(ctx, messages, c.MaxTokens)
	if err != nil {
		// Summarization is best-effort; a failure here should not sink the
		// chunk, only skip the enrichment.
		return []models.Entity{e}, nil
	}

	e.EmbeddableText = fmt.Sprintf("%s\n\n# Summary\n%s", e.EmbeddableText, summary)
	return []models.Entity{e}, nil
}
