package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

func TestFieldChunker_NoSplitWhenUnderBudget(t *testing.T) {
	c := NewFieldChunker(500)
	e := models.Entity{EntityID: "e1", EmbeddableText: "short text"}
	out, err := c.Transform(context.Background(), e)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].ChunkCount)
}

func TestFieldChunker_SplitsLargeTextDeterministically(t *testing.T) {
	c := NewFieldChunker(50)
	text := strings.Repeat("word ", 2000)
	e := models.Entity{EntityID: "e1", EmbeddableText: text}

	first, err := c.Transform(context.Background(), e)
	require.NoError(t, err)
	second, err := c.Transform(context.Background(), e)
	require.NoError(t, err)

	require.True(t, len(first) > 1, "expected a split for oversized text")
	require.Equal(t, len(first), len(second), "idempotent: same input, same chunk count")
	for i := range first {
		assert.Equal(t, first[i].EmbeddableText, second[i].EmbeddableText)
		assert.Equal(t, first[i].ChunkCount, second[i].ChunkCount)
	}
}
