package transform

import (
	"context"
	"net/http"
	"strings"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// FileChunker downloads are already materialized by the connector framework
// by the time this runs (§4.2); here we sniff mime/text, split into
// overlapping windows sized to the embedder's token budget, and preserve
// breadcrumbs while attaching chunk_index/chunk_count (§4.4).
type FileChunker struct {
	TokenBudget  int
	OverlapRatio float64
	// SkipBinary controls whether binary/non-text files are dropped
	// entirely (true) or yield a single metadata-only chunk (false),
	// configurable per source per §4.4.
	SkipBinary bool
}

func NewFileChunker(tokenBudget int, skipBinary bool) *FileChunker {
	if tokenBudget <= 0 {
		tokenBudget = 500
	}
	return &FileChunker{TokenBudget: tokenBudget, OverlapRatio: 0.1, SkipBinary: skipBinary}
}

func (c *FileChunker) Name() string { return "file_chunker" }

func (c *FileChunker) Transform(_ context.Context, e models.Entity) ([]models.Entity, error) {
	content := e.Content()
	mime := e.MimeType
	if mime == "" && len(content) > 0 {
		mime = http.DetectContentType(content)
	}

	if !isText(mime) {
		if c.SkipBinary {
			return nil, nil
		}
		meta := e
		meta.Kind = models.KindChunk
		meta.ChunkIndex = 0
		meta.ChunkCount = 1
		meta.EmbeddableText = ""
		return []models.Entity{meta}, nil
	}

	text := string(content)
	windowSize := c.TokenBudget * 4
	overlap := int(float64(windowSize) * c.OverlapRatio)
	windows := splitWindows(text, windowSize, overlap)

	out := make([]models.Entity, 0, len(windows))
	for i, w := range windows {
		chunk := e
		chunk.Kind = models.KindChunk
		chunk.EmbeddableText = w
		chunk.ChunkIndex = i
		chunk.ChunkCount = len(windows)
		out = append(out, chunk)
	}
	return out, nil
}

func isText(mime string) bool {
	if mime == "" {
		return false
	}
	return strings.HasPrefix(mime, "text/") ||
		strings.Contains(mime, "json") ||
		strings.Contains(mime, "xml") ||
		strings.Contains(mime, "yaml")
}
