package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

func TestEmbeddedStore_UpsertAndSearchRanksByCosine(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()

	near := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}}
	far := contracts.Point{ID: uuid.New(), Vector: []float32{0, 1, 0}}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{near, far}))

	results, err := s.Search(ctx, "ns1", contracts.SearchQuery{Vector: []float32{1, 0, 0}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, near.ID, results[0].ID)
	assert.Equal(t, far.ID, results[1].ID)
}

func TestEmbeddedStore_SearchAppliesThreshold(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()
	orthogonal := contracts.Point{ID: uuid.New(), Vector: []float32{0, 1, 0}}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{orthogonal}))

	results, err := s.Search(ctx, "ns1", contracts.SearchQuery{Vector: []float32{1, 0, 0}, Threshold: 0.5, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEmbeddedStore_SearchFiltersOnPayload(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()
	match := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"kind": "doc"}}
	other := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"kind": "image"}}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{match, other}))

	results, err := s.Search(ctx, "ns1", contracts.SearchQuery{
		Vector: []float32{1, 0, 0}, Limit: 10, Filter: map[string]interface{}{"kind": "doc"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, match.ID, results[0].ID)
}

func TestEmbeddedStore_DeleteByID(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()
	p := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{p}))
	require.NoError(t, s.Delete(ctx, "ns1", []uuid.UUID{p.ID}, nil))

	results, err := s.Search(ctx, "ns1", contracts.SearchQuery{Vector: []float32{1, 0, 0}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEmbeddedStore_DeleteByFilter(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()
	stale := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"stale": true}}
	fresh := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}, Payload: map[string]interface{}{"stale": false}}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{stale, fresh}))
	require.NoError(t, s.Delete(ctx, "ns1", nil, map[string]interface{}{"stale": true}))

	results, err := s.Search(ctx, "ns1", contracts.SearchQuery{Vector: []float32{1, 0, 0}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, fresh.ID, results[0].ID)
}

func TestEmbeddedStore_NamespaceExistsAndDeleteCollection(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()
	p := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{p}))

	exists, err := s.NamespaceExists(ctx, "ns1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.DeleteCollection(ctx, "ns1"))
	exists, err = s.NamespaceExists(ctx, "ns1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEmbeddedStore_BulkSearchMirrorsSearch(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()
	p := contracts.Point{ID: uuid.New(), Vector: []float32{1, 0, 0}}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{p}))

	results, err := s.BulkSearch(ctx, "ns1", []contracts.SearchQuery{
		{Vector: []float32{1, 0, 0}, Limit: 10},
		{Vector: []float32{0, 1, 0}, Limit: 10},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[0], 1)
}

func TestApplyDecay_OldestInSpanDecaysToZeroAtFullWeight(t *testing.T) {
	oldest := time.Now().AddDate(-5, 0, 0)
	newest := time.Now()
	cfg := contracts.DecayConfig{DatetimeField: "updated_at", Weight: 1.0}
	scored := applyDecay(1.0, oldest, oldest, newest, cfg)
	assert.InDelta(t, 0.0, scored, 1e-6)
}

func TestApplyDecay_NewestInSpanIsUndecayed(t *testing.T) {
	oldest := time.Now().AddDate(-5, 0, 0)
	newest := time.Now()
	cfg := contracts.DecayConfig{DatetimeField: "updated_at", Weight: 1.0}
	scored := applyDecay(1.0, newest, oldest, newest, cfg)
	assert.InDelta(t, 1.0, scored, 1e-6)
}

func TestApplyDecay_MidSpanIsLinearHalfway(t *testing.T) {
	oldest := time.Unix(0, 0)
	newest := time.Unix(1000, 0)
	mid := time.Unix(500, 0)
	cfg := contracts.DecayConfig{DatetimeField: "updated_at", Weight: 1.0}
	scored := applyDecay(1.0, mid, oldest, newest, cfg)
	assert.InDelta(t, 0.5, scored, 1e-6)
}

func TestApplyDecay_ZeroWidthSpanLeavesScoreUnchanged(t *testing.T) {
	same := time.Now()
	cfg := contracts.DecayConfig{DatetimeField: "updated_at", Weight: 1.0}
	scored := applyDecay(0.8, same, same, same, cfg)
	assert.Equal(t, float32(0.8), scored)
}

func TestEmbeddedStore_SearchAppliesLinearDecayOverCandidateSpan(t *testing.T) {
	s := NewEmbeddedStore()
	ctx := context.Background()

	oldest := time.Now().AddDate(-2, 0, 0)
	newest := time.Now()
	stale := contracts.Point{
		ID: uuid.New(), Vector: []float32{1, 0, 0},
		Payload: map[string]interface{}{"updated_at": oldest.Format(time.RFC3339)},
	}
	fresh := contracts.Point{
		ID: uuid.New(), Vector: []float32{1, 0, 0},
		Payload: map[string]interface{}{"updated_at": newest.Format(time.RFC3339)},
	}
	require.NoError(t, s.Upsert(ctx, "ns1", []contracts.Point{stale, fresh}))

	results, err := s.Search(ctx, "ns1", contracts.SearchQuery{
		Vector: []float32{1, 0, 0}, Limit: 10,
		Decay: &contracts.DecayConfig{DatetimeField: "updated_at", Weight: 1.0},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, fresh.ID, results[0].ID, "the newest candidate in the span must rank first, undecayed")
	assert.InDelta(t, 0.0, results[1].Score, 1e-3, "the oldest candidate in the span decays to zero at weight 1.0")
}

func TestSortByScoreDesc(t *testing.T) {
	results := []contracts.SearchResult{{Score: 0.2}, {Score: 0.9}, {Score: 0.5}}
	sortByScoreDesc(results)
	assert.Equal(t, float32(0.9), results[0].Score)
	assert.Equal(t, float32(0.5), results[1].Score)
	assert.Equal(t, float32(0.2), results[2].Score)
}

func TestRegistry_GetUnknownBackendErrors(t *testing.T) {
	r := NewRegistry()
	r.Register("embedded", NewEmbeddedStore())

	_, err := r.Get("embedded")
	require.NoError(t, err)

	_, err = r.Get("nonexistent")
	require.Error(t, err)
	assert.Contains(t, r.List(), "embedded")
}
