package transform

import (
	"context"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// Embedder calls EmbeddingProvider in batches and attaches dense vectors,
// optionally also calling a SparseEncoder for BM25-style hybrid search
// (§4.4). It is the terminal transformer before VectorStore.Upsert.
type Embedder struct {
	Dense     contracts.EmbeddingProvider
	Sparse    contracts.SparseEncoder // optional
	BatchSize int
}

func NewEmbedder(dense contracts.EmbeddingProvider, sparse contracts.SparseEncoder, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &Embedder{Dense: dense, Sparse: sparse, BatchSize: batchSize}
}

func (e *Embedder) Name() string { return "embedder" }

// Transform embeds a single entity by calling EmbedBatch with a one-element
// batch. EmbedBatch embeds many entities per provider call; the router
// reaches the embedder only through Transform.
func (e *Embedder) Transform(ctx context.Context, entity models.Entity) ([]models.Entity, error) {
	out, err := e.EmbedBatch(ctx, []models.Entity{entity})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Embedder) EmbedBatch(ctx context.Context, entities []models.Entity) ([]models.Entity, error) {
	if e.Dense == nil {
		return nil, airerr.New(airerr.InternalInvariantViolated, "embedder has no dense provider configured")
	}

	out := make([]models.Entity, len(entities))
	copy(out, entities)

	for start := 0; start < len(out); start += e.BatchSize {
		end := start + e.BatchSize
		if end > len(out) {
			end = len(out)
		}
		batch := out[start:end]

		texts := make([]string, len(batch))
		for i, ent := range batch {
			texts[i] = ent.EmbeddableText
		}

		vectors, err := e.Dense.EmbedMany(ctx, texts)
		if err != nil {
			return nil, airerr.Wrap(airerr.Transient, "dense embedding batch failed", err)
		}
		if len(vectors) != len(batch) {
			return nil, airerr.New(airerr.InternalInvariantViolated, "embedding provider returned mismatched batch size")
		}
		for i := range batch {
			out[start+i].Vector = vectors[i]
		}

		if e.Sparse != nil {
			for i, ent := range batch {
				sv, err := e.Sparse.Encode(ctx, ent.EmbeddableText)
				if err != nil {
					return nil, airerr.Wrap(airerr.Transient, "sparse encoding failed", err)
				}
				out[start+i].Sparse = sv
			}
		}
	}

	return out, nil
}
