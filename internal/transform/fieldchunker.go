// Package transform implements the Entity -> []Entity transformers of spec
// §4.4: file chunker, code chunker, code summarizer, field chunker, and
// embedder. Token-budget splitting and overlap windows are grounded on
// internal/rag/chunker.go's sliding-window approach in the teacher repo.
package transform

import (
	"context"
	"strings"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// approxTokens estimates token count the way the teacher's chunker does:
// no tokenizer dependency, just a character-per-token heuristic, good
// enough for budget splitting.
func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

// FieldChunker splits an already-structured record if its EmbeddableText
// exceeds the token budget; returns one entity if no split is needed
// (§4.4). Idempotent: the same input always produces the same boundaries.
type FieldChunker struct {
	TokenBudget int
	OverlapRatio float64
}

func NewFieldChunker(tokenBudget int) *FieldChunker {
	if tokenBudget <= 0 {
		tokenBudget = 500
	}
	return &FieldChunker{TokenBudget: tokenBudget, OverlapRatio: 0.1}
}

func (c *FieldChunker) Name() string { return "field_chunker" }

func (c *FieldChunker) Transform(_ context.Context, e models.Entity) ([]models.Entity, error) {
	if approxTokens(e.EmbeddableText) <= c.TokenBudget {
		e.ChunkIndex = 0
		e.ChunkCount = 1
		return []models.Entity{e}, nil
	}

	windows := splitWindows(e.EmbeddableText, c.TokenBudget*4, int(float64(c.TokenBudget*4)*c.OverlapRatio))
	out := make([]models.Entity, 0, len(windows))
	for i, w := range windows {
		chunk := e
		chunk.EmbeddableText = w
		chunk.ChunkIndex = i
		chunk.ChunkCount = len(windows)
		out = append(out, chunk)
	}
	return out, nil
}

// splitWindows produces overlapping byte windows of size windowSize with
// the given overlap, preserving determinism: identical input always yields
// identical boundaries (§4.4 idempotence invariant).
func splitWindows(text string, windowSize, overlap int) []string {
	if windowSize <= 0 {
		return []string{text}
	}
	if overlap >= windowSize {
		overlap = windowSize / 2
	}
	if len(text) <= windowSize {
		return []string{text}
	}

	var windows []string
	step := windowSize - overlap
	for start := 0; start < len(text); start += step {
		end := start + windowSize
		if end > len(text) {
			end = len(text)
		}
		windows = append(windows, text[start:end])
		if end == len(text) {
			break
		}
	}
	return windows
}

// splitLines is used by the code chunker to keep boundaries on line breaks
// rather than arbitrary byte offsets.
func splitLines(text string) []string {
	return strings.Split(text, "\n")
}
