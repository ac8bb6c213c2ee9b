package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/internal/authprovider"
	"github.com/airweave-sub003/ingestion-core/internal/connector"
	"github.com/airweave-sub003/ingestion-core/internal/metastore"
	"github.com/airweave-sub003/ingestion-core/internal/pubsub"
	"github.com/airweave-sub003/ingestion-core/internal/quota"
	"github.com/airweave-sub003/ingestion-core/internal/router"
	"github.com/airweave-sub003/ingestion-core/internal/transform"
	"github.com/airweave-sub003/ingestion-core/internal/vectorstore"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// fakeSource emits a single entity and exits, so RunSourceConnection's
// happy path is exercised end to end without a real connector.
type fakeSource struct {
	entities []models.Entity
}

func (f *fakeSource) Validate(context.Context) (bool, error) { return true, nil }

func (f *fakeSource) Stream(context.Context, models.Cursor) (<-chan connector.StreamItem, error) {
	ch := make(chan connector.StreamItem, len(f.entities))
	for _, e := range f.entities {
		ch <- connector.StreamItem{Entity: e}
	}
	close(ch)
	return ch, nil
}

func (f *fakeSource) DefaultCursorField() string          { return "updated_at" }
func (f *fakeSource) ValidateCursorField(string) error     { return nil }

type fakeDense struct{}

func (fakeDense) Dimensions() int { return 4 }

func (fakeDense) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

func (fakeDense) EmbedMany(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3, 0.4}
	}
	return out, nil
}

func newTestDag(entityDefID uuid.UUID) models.SyncDag {
	sourceID, entityID, destID := uuid.New(), uuid.New(), uuid.New()
	return models.SyncDag{
		ID: uuid.New(),
		Nodes: []models.DagNode{
			{ID: sourceID, Kind: models.NodeSource, Name: "source"},
			{ID: entityID, Kind: models.NodeEntity, Name: "entity", EntityDefinitionID: entityDefID},
			{ID: destID, Kind: models.NodeDestination, Name: "destination"},
		},
		Edges: []models.DagEdge{
			{FromNodeID: sourceID, ToNodeID: entityID},
			{FromNodeID: entityID, ToNodeID: destID},
		},
	}
}

func buildRuntime(t *testing.T, src connector.Source) (*Runtime, *metastore.MemoryStore, models.Organization, models.Collection, models.SourceConnection) {
	t.Helper()

	registry := connector.NewRegistry()
	registry.Register(connector.Descriptor{Name: "fake", ShortName: "fake"}, func(map[string]string, map[string]interface{}) (connector.Source, error) {
		return src, nil
	})

	lookup := NewStaticLookup()
	lookup.Register(transform.NewEmbedder(fakeDense{}, nil, 10))

	opts := router.Options{FieldChunker: transform.NewFieldChunker(500)}

	store := metastore.NewMemoryStore()
	org := models.Organization{ID: uuid.New(), Name: "acme"}
	coll := models.Collection{ID: uuid.New(), ReadableID: "docs", OrganizationID: org.ID}
	store.PutOrganization(&org)
	store.PutCollection(&coll)
	store.PutBillingPeriod(&models.BillingPeriod{
		ID:             uuid.New(),
		OrganizationID: org.ID,
		Status:         models.BillingActive,
		Limits:         models.Limits{MaxEntities: 1_000_000, MaxQueries: 1_000_000, MaxSourceConnections: 1_000_000, MaxTeamMembers: 1_000_000},
		PeriodStart:    time.Now().Add(-time.Hour),
		PeriodEnd:      time.Now().Add(time.Hour),
	})

	sc := models.SourceConnection{
		ID:               uuid.New(),
		OrganizationID:   org.ID,
		SourceShortName:  "fake",
		CollectionID:     coll.ID,
		AuthVariant:      models.AuthDirect,
		DirectCredentials: map[string]string{"token": "abc"},
	}
	store.PutSourceConnection(&sc)

	authProviders := map[string]contracts.AuthProvider{
		"direct": authprovider.NewDirectProvider(),
	}

	rt := NewRuntime(
		store,
		vectorstore.NewEmbeddedStore(),
		quota.New(store, store, time.Minute, nil),
		pubsub.NewBroker(),
		registry,
		lookup,
		opts,
		authProviders,
		zerolog.Nop(),
	)
	return rt, store, org, coll, sc
}

func TestRuntime_RunSourceConnectionHappyPath(t *testing.T) {
	entityDefID := uuid.New()
	entity := models.Entity{
		EntityID:           "doc-1",
		EntityDefinitionID: entityDefID,
		Kind:               models.KindChunk,
		EmbeddableText:     "hello world",
	}
	src := &fakeSource{entities: []models.Entity{entity}}
	rt, store, org, coll, sc := buildRuntime(t, src)

	dag := newTestDag(entityDefID)
	sy := models.Sync{ID: uuid.New(), OrganizationID: org.ID, SourceConnectionID: sc.ID, SyncDagID: dag.ID}
	job := models.SyncJob{ID: uuid.New(), SyncID: sy.ID, Status: models.SyncJobPending, CreatedAt: time.Now()}
	store.PutSync(&sy)
	store.PutSyncDag(&dag)
	require.NoError(t, store.CreateSyncJob(context.Background(), &job))

	err := rt.RunSourceConnection(context.Background(), contracts.RunSourceConnectionRequest{
		Sync:             sy,
		SyncJob:          job,
		SyncDag:          dag,
		Collection:       coll,
		SourceConnection: sc,
	})
	require.NoError(t, err)

	latest, err := store.GetLatestSyncJob(context.Background(), sy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncJobCompleted, latest.Status)
}

func TestRuntime_RunSourceConnectionUnknownAuthProviderFails(t *testing.T) {
	entityDefID := uuid.New()
	src := &fakeSource{}
	rt, store, org, coll, sc := buildRuntime(t, src)
	sc.AuthVariant = models.AuthProviderAuth
	sc.AuthProviderName = "nonexistent"
	store.PutSourceConnection(&sc)

	dag := newTestDag(entityDefID)
	sy := models.Sync{ID: uuid.New(), OrganizationID: org.ID, SourceConnectionID: sc.ID, SyncDagID: dag.ID}
	job := models.SyncJob{ID: uuid.New(), SyncID: sy.ID, Status: models.SyncJobPending, CreatedAt: time.Now()}
	store.PutSync(&sy)
	store.PutSyncDag(&dag)
	require.NoError(t, store.CreateSyncJob(context.Background(), &job))

	err := rt.RunSourceConnection(context.Background(), contracts.RunSourceConnectionRequest{
		Sync:             sy,
		SyncJob:          job,
		SyncDag:          dag,
		Collection:       coll,
		SourceConnection: sc,
	})
	assert.Error(t, err)
}

func TestRuntime_CancelStopsTrackedRun(t *testing.T) {
	rt := &Runtime{runs: make(map[string]context.CancelFunc)}
	jobID := uuid.New().String()
	_, cancel := context.WithCancel(context.Background())
	rt.runsMu.Lock()
	rt.runs[jobID] = cancel
	rt.runsMu.Unlock()

	assert.True(t, rt.Cancel(jobID))
	assert.False(t, rt.Cancel(jobID))
}
