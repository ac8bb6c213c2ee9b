package vectorstore

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// DefaultMaxVectors is the capacity NewEmbeddedStore records in maxVectors.
// Upsert does not check it, so the store grows without bound.
const DefaultMaxVectors = 50_000

// EmbeddedStore is a brute-force, in-memory contracts.VectorStore used for
// local development and tests — no external dependency required.
//
// Grounded on the teacher's internal/vectorstore/embedded.go (same
// brute-force cosine scan, RWMutex-guarded map), adapted from its
// single-tenant "kitchen" keying to the namespace/Point shape. No capacity
// limit is enforced.
type EmbeddedStore struct {
	mu         sync.RWMutex
	points     map[string]map[uuid.UUID]contracts.Point // namespace -> id -> point
	maxVectors int
}

func NewEmbeddedStore() *EmbeddedStore {
	return &EmbeddedStore{points: make(map[string]map[uuid.UUID]contracts.Point), maxVectors: DefaultMaxVectors}
}

func (s *EmbeddedStore) Upsert(_ context.Context, namespace string, points []contracts.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.points[namespace]
	if !ok {
		ns = make(map[uuid.UUID]contracts.Point)
		s.points[namespace] = ns
	}
	for _, p := range points {
		ns[p.ID] = p
	}
	return nil
}

func (s *EmbeddedStore) Delete(_ context.Context, namespace string, ids []uuid.UUID, filter map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.points[namespace]
	if !ok {
		return nil
	}
	if len(ids) > 0 {
		for _, id := range ids {
			delete(ns, id)
		}
		return nil
	}
	for id, p := range ns {
		if matchesFilter(p.Payload, filter) {
			delete(ns, id)
		}
	}
	return nil
}

// Search, like PgvectorStore.Search, blends in the sparse query via an
// in-process dot product and applies §4.8's decay before truncating —
// EmbeddedStore calls the same applyDecay and uses the same 0.5/0.5
// dense/sparse blend (through its own sparseVectorDot) so that scoring is
// testable without a live Postgres instance.
func (s *EmbeddedStore) Search(_ context.Context, namespace string, q contracts.SearchQuery) ([]contracts.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		p       contracts.Point
		score   float32
		decayAt time.Time
		hasTime bool
	}

	var candidates []candidate
	for _, p := range s.points[namespace] {
		if !matchesFilter(p.Payload, q.Filter) {
			continue
		}
		score := float32(cosineSimilarity(q.Vector, p.Vector))
		if q.Sparse != nil && p.Sparse != nil {
			score = score*0.5 + sparseVectorDot(q.Sparse, p.Sparse)*0.5
		}
		c := candidate{p: p, score: score}
		if q.Decay != nil {
			if ts, ok := parseTime(p.Payload[q.Decay.DatetimeField]); ok {
				c.decayAt, c.hasTime = ts, true
			}
		}
		candidates = append(candidates, c)
	}

	if q.Decay != nil {
		var oldest, newest time.Time
		for _, c := range candidates {
			if !c.hasTime {
				continue
			}
			if oldest.IsZero() || c.decayAt.Before(oldest) {
				oldest = c.decayAt
			}
			if newest.IsZero() || c.decayAt.After(newest) {
				newest = c.decayAt
			}
		}
		for i, c := range candidates {
			if c.hasTime {
				candidates[i].score = applyDecay(c.score, c.decayAt, oldest, newest, *q.Decay)
			}
		}
	}

	var out []contracts.SearchResult
	for _, c := range candidates {
		if c.score < q.Threshold {
			continue
		}
		out = append(out, contracts.SearchResult{ID: c.p.ID, Score: c.score, Payload: c.p.Payload, EmbeddableText: embeddableTextOf(c.p.Payload)})
	}
	sortByScoreDesc(out)
	if q.Offset > 0 && q.Offset < len(out) {
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// sparseVectorDot computes the dot product of two sparse vectors given as
// parallel index/value slices, matching the shape pgvector.go's sparseDot
// scores against but over two in-memory models.SparseVector values instead
// of a decoded database row.
func sparseVectorDot(a, b *models.SparseVector) float32 {
	dense := make(map[uint32]float32, len(b.Indices))
	for i, ix := range b.Indices {
		dense[ix] = b.Values[i]
	}
	var sum float32
	for i, ix := range a.Indices {
		sum += a.Values[i] * dense[ix]
	}
	return sum
}

func (s *EmbeddedStore) BulkSearch(ctx context.Context, namespace string, queries []contracts.SearchQuery) ([][]contracts.SearchResult, error) {
	out := make([][]contracts.SearchResult, len(queries))
	for i, q := range queries {
		r, err := s.Search(ctx, namespace, q)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (s *EmbeddedStore) DeleteCollection(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.points, namespace)
	return nil
}

func (s *EmbeddedStore) NamespaceExists(_ context.Context, namespace string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.points[namespace]
	return ok, nil
}

func matchesFilter(payload map[string]interface{}, filter map[string]interface{}) bool {
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortByScoreDesc is shared with pgvector.go.

var _ contracts.VectorStore = (*EmbeddedStore)(nil)
