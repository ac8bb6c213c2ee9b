package sync

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/internal/connector"
	"github.com/airweave-sub003/ingestion-core/internal/router"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// ── fakes ──────────────────────────────────────────────────────

type fakeSource struct {
	items []connector.StreamItem
	// blockForever makes Stream return a nil channel, so a reader can only
	// ever unblock via ctx cancellation — used to make cancellation
	// deterministic in tests instead of racing a populated channel close.
	blockForever bool
}

func (f *fakeSource) Validate(context.Context) (bool, error) { return true, nil }
func (f *fakeSource) Stream(_ context.Context, _ models.Cursor) (<-chan connector.StreamItem, error) {
	if f.blockForever {
		return nil, nil
	}
	out := make(chan connector.StreamItem, len(f.items))
	for _, it := range f.items {
		out <- it
	}
	close(out)
	return out, nil
}
func (f *fakeSource) DefaultCursorField() string            { return "" }
func (f *fakeSource) ValidateCursorField(spec string) error { return nil }

type fakeVectorStore struct {
	upserted []contracts.Point
	deleted  []uuid.UUID
}

func (v *fakeVectorStore) Upsert(_ context.Context, _ string, points []contracts.Point) error {
	v.upserted = append(v.upserted, points...)
	return nil
}
func (v *fakeVectorStore) Delete(_ context.Context, _ string, ids []uuid.UUID, _ map[string]interface{}) error {
	v.deleted = append(v.deleted, ids...)
	return nil
}
func (v *fakeVectorStore) Search(context.Context, string, contracts.SearchQuery) ([]contracts.SearchResult, error) {
	return nil, nil
}
func (v *fakeVectorStore) BulkSearch(context.Context, string, []contracts.SearchQuery) ([][]contracts.SearchResult, error) {
	return nil, nil
}
func (v *fakeVectorStore) DeleteCollection(context.Context, string) error     { return nil }
func (v *fakeVectorStore) NamespaceExists(context.Context, string) (bool, error) { return true, nil }

type fakeQuota struct{}

func (fakeQuota) Allowed(context.Context, uuid.UUID, models.UsageAction, int64) error   { return nil }
func (fakeQuota) Increment(context.Context, uuid.UUID, models.UsageAction, int64) error { return nil }
func (fakeQuota) Decrement(context.Context, uuid.UUID, models.UsageAction, int64) error { return nil }
func (fakeQuota) FlushAll(context.Context, uuid.UUID) error                             { return nil }

type fakePubSub struct{}

func (fakePubSub) Subscribe(uuid.UUID) (<-chan models.SyncJobUpdate, func()) { return nil, func() {} }
func (fakePubSub) Publish(uuid.UUID, models.SyncJobUpdate)                  {}

type fakeMetaStore struct {
	contracts.MetadataStore // embed nil, only override what's used
	hashes                  map[string]string
	committedHashes         map[string]string
	committedCursor         *models.Cursor
	updatedJob              *models.SyncJob
}

func (f *fakeMetaStore) GetEntityHashes(context.Context, uuid.UUID) (map[string]string, error) {
	return f.hashes, nil
}
func (f *fakeMetaStore) CommitEntityHashes(_ context.Context, _ uuid.UUID, h map[string]string) error {
	f.committedHashes = h
	return nil
}
func (f *fakeMetaStore) CommitCursor(_ context.Context, c models.Cursor) error {
	f.committedCursor = &c
	return nil
}
func (f *fakeMetaStore) UpdateSyncJob(_ context.Context, j *models.SyncJob) error {
	cp := *j
	f.updatedJob = &cp
	return nil
}

// newDirectDag builds a one-hop DAG: source -> entity -> destination, so
// every emitted entity reaches the sink without a transformer.
func newDirectDag(entityDefID uuid.UUID) (models.SyncDag, uuid.UUID) {
	sourceNode := uuid.New()
	entityNode := uuid.New()
	destNode := uuid.New()
	return models.SyncDag{
		Nodes: []models.DagNode{
			{ID: sourceNode, Kind: models.NodeSource},
			{ID: entityNode, Kind: models.NodeEntity, EntityDefinitionID: entityDefID},
			{ID: destNode, Kind: models.NodeDestination},
		},
		Edges: []models.DagEdge{
			{FromNodeID: sourceNode, ToNodeID: entityNode},
			{FromNodeID: entityNode, ToNodeID: destNode},
		},
	}, sourceNode
}

func TestEngine_InsertUpdateSkipDelete(t *testing.T) {
	entityDefID := uuid.New()
	dag, _ := newDirectDag(entityDefID)

	r, err := router.New(dag, nil, router.Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.WarmCache(context.Background()))

	source := &fakeSource{items: []connector.StreamItem{
		{Entity: models.Entity{EntityID: "unchanged", EntityDefinitionID: entityDefID, Payload: map[string]interface{}{"v": 1}}},
		{Entity: models.Entity{EntityID: "changed", EntityDefinitionID: entityDefID, Payload: map[string]interface{}{"v": "new"}}},
		{Entity: models.Entity{EntityID: "brand-new", EntityDefinitionID: entityDefID, Payload: map[string]interface{}{"v": "fresh"}}},
	}}

	priorHashes := map[string]string{
		hashKey("unchanged", 0): contentHash(map[string]interface{}{"v": 1}),
		hashKey("changed", 0):   contentHash(map[string]interface{}{"v": "old"}),
		hashKey("gone", 0):      contentHash(map[string]interface{}{"v": "stale"}),
	}

	store := &fakeMetaStore{hashes: priorHashes}
	vs := &fakeVectorStore{}
	coll := models.Collection{ID: uuid.New(), ReadableID: "col"}
	sy := models.Sync{ID: uuid.New(), OrganizationID: uuid.New()}
	job := models.SyncJob{ID: uuid.New()}

	deps := Deps{
		Store:             store,
		VectorStore:       vs,
		Quota:             fakeQuota{},
		PubSub:            fakePubSub{},
		Source:            source,
		Router:            r,
		Logger:            zerolog.Nop(),
		UpsertBatchSize:   10,
		UpsertConcurrency: 1,
	}

	eng := New(deps, sy, job, dag, models.SourceConnection{ID: uuid.New()}, coll, models.Cursor{})
	require.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, models.SyncJobCompleted, store.updatedJob.Status)
	assert.Equal(t, int64(1), store.updatedJob.Counters.Skipped, "unchanged payload hash should be skipped")
	assert.Equal(t, int64(1), store.updatedJob.Counters.Updated, "changed payload hash should be an update")
	assert.Equal(t, int64(1), store.updatedJob.Counters.Inserted, "new entity id should be an insert")
	assert.Equal(t, int64(1), store.updatedJob.Counters.Deleted, "entity absent this run should be deleted")

	require.Len(t, vs.upserted, 2, "only changed+new entities are upserted, skip does not touch the vector store")
	require.Len(t, vs.deleted, 1)

	require.NotNil(t, store.committedHashes)
	_, stillHasGone := store.committedHashes[hashKey("gone", 0)]
	assert.False(t, stillHasGone, "deleted entity must not survive into the committed hash set")
	assert.Contains(t, store.committedHashes, hashKey("unchanged", 0))
	assert.Contains(t, store.committedHashes, hashKey("changed", 0))
	assert.Contains(t, store.committedHashes, hashKey("brand-new", 0))

	require.NotNil(t, store.committedCursor)
}

// TestEngine_ChunkedEntityTracksEachChunkIndexIndependently covers the case
// a single source entity (one EntityID) fans out into several chunk points
// via a chunking transformer (internal/transform/filechunker.go et al):
// each ChunkIndex must get its own insert/update/skip verdict, and when the
// chunk count shrinks between runs the now-absent higher indices must be
// deleted individually while the surviving indices are left untouched.
func TestEngine_ChunkedEntityTracksEachChunkIndexIndependently(t *testing.T) {
	entityDefID := uuid.New()
	dag, _ := newDirectDag(entityDefID)

	r, err := router.New(dag, nil, router.Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.WarmCache(context.Background()))

	// "doc" previously had 3 chunks (0, 1, 2); this run only re-emits chunk 0,
	// with an unchanged payload, so chunks 1 and 2 must be torn down.
	source := &fakeSource{items: []connector.StreamItem{
		{Entity: models.Entity{
			EntityID: "doc", EntityDefinitionID: entityDefID, ChunkIndex: 0, ChunkCount: 1,
			Payload: map[string]interface{}{"v": "chunk0"},
		}},
	}}

	priorHashes := map[string]string{
		hashKey("doc", 0): contentHash(map[string]interface{}{"v": "chunk0"}),
		hashKey("doc", 1): contentHash(map[string]interface{}{"v": "chunk1"}),
		hashKey("doc", 2): contentHash(map[string]interface{}{"v": "chunk2"}),
	}

	store := &fakeMetaStore{hashes: priorHashes}
	vs := &fakeVectorStore{}
	coll := models.Collection{ID: uuid.New(), ReadableID: "col"}
	sy := models.Sync{ID: uuid.New(), OrganizationID: uuid.New()}
	job := models.SyncJob{ID: uuid.New()}

	deps := Deps{
		Store:             store,
		VectorStore:       vs,
		Quota:             fakeQuota{},
		PubSub:            fakePubSub{},
		Source:            source,
		Router:            r,
		Logger:            zerolog.Nop(),
		UpsertBatchSize:   10,
		UpsertConcurrency: 1,
	}

	eng := New(deps, sy, job, dag, models.SourceConnection{ID: uuid.New()}, coll, models.Cursor{})
	require.NoError(t, eng.Run(context.Background()))

	assert.Equal(t, int64(1), store.updatedJob.Counters.Skipped, "chunk 0's payload is unchanged, so it is skipped, not re-upserted")
	assert.Equal(t, int64(2), store.updatedJob.Counters.Deleted, "chunks 1 and 2 no longer reappear and must be individually deleted")

	require.Len(t, vs.deleted, 2)
	wantDeleted := map[uuid.UUID]bool{
		models.PointID(coll.ID, "doc", 1): true,
		models.PointID(coll.ID, "doc", 2): true,
	}
	for _, id := range vs.deleted {
		assert.True(t, wantDeleted[id], "unexpected point id deleted: %s", id)
	}
	assert.NotContains(t, vs.deleted, models.PointID(coll.ID, "doc", 0), "the surviving chunk 0 must not be deleted")

	require.NotNil(t, store.committedHashes)
	assert.Contains(t, store.committedHashes, hashKey("doc", 0))
	assert.NotContains(t, store.committedHashes, hashKey("doc", 1))
	assert.NotContains(t, store.committedHashes, hashKey("doc", 2))
}

func TestEngine_FailureDoesNotAdvanceCursorOrCommitHashes(t *testing.T) {
	entityDefID := uuid.New()
	dag, _ := newDirectDag(entityDefID)

	r, err := router.New(dag, nil, router.Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.WarmCache(context.Background()))

	source := &fakeSource{blockForever: true}

	store := &fakeMetaStore{hashes: map[string]string{}}
	vs := &fakeVectorStore{}
	coll := models.Collection{ID: uuid.New()}
	sy := models.Sync{ID: uuid.New(), OrganizationID: uuid.New()}
	job := models.SyncJob{ID: uuid.New()}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // pre-cancelled: drain should observe ctx.Done immediately

	deps := Deps{
		Store: store, VectorStore: vs, Quota: fakeQuota{}, PubSub: fakePubSub{},
		Source: source, Router: r, Logger: zerolog.Nop(),
	}
	eng := New(deps, sy, job, dag, models.SourceConnection{ID: uuid.New()}, coll, models.Cursor{})
	_ = eng.Run(ctx)

	assert.Nil(t, store.committedCursor, "a cancelled/failed run must never commit the cursor")
	assert.Nil(t, store.committedHashes, "a cancelled/failed run must never commit entity hashes")
}
