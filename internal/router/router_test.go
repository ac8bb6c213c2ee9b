package router

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

type fakeSink struct {
	received []models.Entity
}

func (s *fakeSink) Emit(_ context.Context, e models.Entity) error {
	s.received = append(s.received, e)
	return nil
}

type noopLookup struct{}

func (noopLookup) Get(_ context.Context, name string) (Transformer, error) {
	return nil, assert.AnError
}

func TestRouter_DirectToDestinationWhenNoConsumer(t *testing.T) {
	sourceNode := uuid.New()
	entityNode := uuid.New()
	destNode := uuid.New()
	entityDefID := uuid.New()

	d := models.SyncDag{
		Nodes: []models.DagNode{
			{ID: sourceNode, Kind: models.NodeSource},
			{ID: entityNode, Kind: models.NodeEntity, EntityDefinitionID: entityDefID},
			{ID: destNode, Kind: models.NodeDestination},
		},
		Edges: []models.DagEdge{
			{FromNodeID: sourceNode, ToNodeID: entityNode},
			{FromNodeID: entityNode, ToNodeID: destNode},
		},
	}

	r, err := New(d, noopLookup{}, Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.WarmCache(context.Background()))

	sink := &fakeSink{}
	e := models.Entity{EntityID: "e1", Kind: models.KindPolymorphic, EntityDefinitionID: entityDefID}
	// polymorphic resolves to the reserved id, not entityDefID, so give the
	// route table that reserved key instead — clear the kind so the entity
	// keeps entityDefID and exercises the destination path deterministically.
	e.Kind = ""
	e.EntityDefinitionID = entityDefID

	err = r.Process(context.Background(), sourceNode, e, sink)
	require.NoError(t, err)
	require.Len(t, sink.received, 1)
	assert.Equal(t, "e1", sink.received[0].EntityID)
}

func TestRouter_UnknownRouteFallsBackToDestination(t *testing.T) {
	sourceNode := uuid.New()
	d := models.SyncDag{
		Nodes: []models.DagNode{{ID: sourceNode, Kind: models.NodeSource}},
	}
	r, err := New(d, noopLookup{}, Options{}, zerolog.Nop())
	require.NoError(t, err)

	sink := &fakeSink{}
	e := models.Entity{EntityID: "orphan", EntityDefinitionID: uuid.New()}
	err = r.Process(context.Background(), sourceNode, e, sink)
	require.NoError(t, err)
	require.Len(t, sink.received, 1)
}
