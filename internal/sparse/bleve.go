// Package sparse implements contracts.SparseEncoder, the BM25-style sparse
// half of hybrid search (§4.8, §6). There is no bleve-based sample in the
// corpus to adapt line-for-line — nico-hyperjump-sagasu (SPEC_FULL.md's
// DOMAIN STACK citation) only supplied an e2e test corpus, not an encoder —
// so this is built directly against bleve's documented analysis API: reuse
// its standard tokenizer/analyzer for text segmentation instead of hand-
// rolling one, then hash tokens into a fixed-width sparse index space and
// weight them by log-scaled term frequency.
//
// A full corpus-wide IDF term requires a persistent index shared across all
// Encode calls; that's out of scope for a stateless per-text encoder, so
// this computes a single-document TF weight only. Re-ranking against dense
// similarity (internal/vectorstore's sparseDot) still benefits from it: it
// downweights incidental repeated stopword-like tokens relative to terms
// that appear once but distinctively.
package sparse

import (
	"context"
	"hash/fnv"
	"math"
	"sort"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// DefaultDimensions bounds the sparse index space; term hashes are folded
// into [0, DefaultDimensions) so index arrays stay bounded regardless of
// vocabulary size.
const DefaultDimensions = 1 << 18

// BleveEncoder implements contracts.SparseEncoder using bleve's standard
// text analyzer for tokenization.
type BleveEncoder struct {
	mapping    mapping.IndexMapping
	analyzer   analysis.Analyzer
	dimensions uint32
}

func NewBleveEncoder() (*BleveEncoder, error) {
	im := bleve.NewIndexMapping()
	analyzer := im.AnalyzerNamed(im.DefaultAnalyzer)
	if analyzer == nil {
		return nil, airerr.New(airerr.InternalInvariantViolated, "bleve: default analyzer not registered")
	}
	return &BleveEncoder{mapping: im, analyzer: analyzer, dimensions: DefaultDimensions}, nil
}

func (e *BleveEncoder) Encode(_ context.Context, text string) (*models.SparseVector, error) {
	if text == "" {
		return &models.SparseVector{}, nil
	}

	tokens := e.analyzer.Analyze([]byte(text))
	counts := make(map[uint32]int, len(tokens))
	for _, tok := range tokens {
		if len(tok.Term) == 0 {
			continue
		}
		idx := hashTerm(tok.Term) % e.dimensions
		counts[idx]++
	}
	if len(counts) == 0 {
		return &models.SparseVector{}, nil
	}

	indices := make([]uint32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	values := make([]float32, len(indices))
	for i, idx := range indices {
		// log-scaled TF: 1 + ln(count) grows slower than raw frequency,
		// keeping a term repeated 50 times from drowning out the rest.
		values[i] = float32(1 + math.Log(float64(counts[idx])))
	}

	return &models.SparseVector{Indices: indices, Values: values}, nil
}

func hashTerm(term []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(term)
	return h.Sum32()
}

var _ contracts.SparseEncoder = (*BleveEncoder)(nil)
