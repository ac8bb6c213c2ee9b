package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	billing models.BillingPeriod
	usage   models.Usage
	flushes int
}

func (f *fakeStore) GetUsage(_ context.Context, orgID, billingPeriodID uuid.UUID) (*models.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.usage
	return &u, nil
}

func (f *fakeStore) GetBillingPeriod(_ context.Context, orgID uuid.UUID) (*models.BillingPeriod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.billing
	return &b, nil
}

func (f *fakeStore) IncrementUsage(_ context.Context, orgID, billingPeriodID uuid.UUID, action models.UsageAction, delta int64) (*models.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	switch action {
	case models.ActionEntities:
		f.usage.Entities += delta
	case models.ActionQueries:
		f.usage.Queries += delta
	case models.ActionSourceConnections:
		f.usage.SourceConnections += delta
	}
	u := f.usage
	return &u, nil
}

type fakeOrgs struct {
	org models.Organization
}

func (f *fakeOrgs) GetOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	o := f.org
	return &o, nil
}

func newTestGuard(org models.Organization, billing models.BillingPeriod) (*Guard, *fakeStore) {
	store := &fakeStore{billing: billing}
	orgs := &fakeOrgs{org: org}
	g := New(store, orgs, 30*time.Second, map[models.UsageAction]int64{
		models.ActionEntities:          100,
		models.ActionQueries:           1,
		models.ActionSourceConnections: 1,
	})
	return g, store
}

func TestAllowed_BlocksOnEndedUnpaidForEntities(t *testing.T) {
	org := models.Organization{ID: uuid.New()}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingEndedUnpaid, Limits: models.Limits{MaxEntities: 1000}}
	g, _ := newTestGuard(org, billing)

	err := g.Allowed(context.Background(), org.ID, models.ActionEntities, 1)
	require.Error(t, err)
	kind, ok := airerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, airerr.PaymentRequired, kind)
}

func TestAllowed_AllowsQueriesWhileGrace(t *testing.T) {
	org := models.Organization{ID: uuid.New()}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingGrace, Limits: models.Limits{MaxQueries: 10}}
	g, _ := newTestGuard(org, billing)

	err := g.Allowed(context.Background(), org.ID, models.ActionQueries, 1)
	assert.NoError(t, err)
}

func TestAllowed_BlocksSourceConnectionsInGrace(t *testing.T) {
	org := models.Organization{ID: uuid.New()}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingGrace, Limits: models.Limits{MaxSourceConnections: 10}}
	g, _ := newTestGuard(org, billing)

	err := g.Allowed(context.Background(), org.ID, models.ActionSourceConnections, 1)
	require.Error(t, err)
	kind, ok := airerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, airerr.PaymentRequired, kind)
}

func TestAllowed_RespectsNumericLimit(t *testing.T) {
	org := models.Organization{ID: uuid.New()}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingActive, Limits: models.Limits{MaxEntities: 10}}
	g, store := newTestGuard(org, billing)
	store.usage.Entities = 9

	require.NoError(t, g.Allowed(context.Background(), org.ID, models.ActionEntities, 1))

	err := g.Allowed(context.Background(), org.ID, models.ActionEntities, 2)
	require.Error(t, err)
	kind, ok := airerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, airerr.QuotaExceeded, kind)
}

func TestAllowed_LegacyOrgBypassesBlockingStatus(t *testing.T) {
	org := models.Organization{ID: uuid.New(), IsLegacy: true}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingCompleted, Limits: models.Limits{MaxEntities: 1}}
	g, _ := newTestGuard(org, billing)

	err := g.Allowed(context.Background(), org.ID, models.ActionEntities, 1000)
	assert.NoError(t, err)
}

func TestIncrement_FlushesOnlyAtThreshold(t *testing.T) {
	org := models.Organization{ID: uuid.New()}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingActive, Limits: models.Limits{MaxQueries: 100}}
	g, store := newTestGuard(org, billing)

	require.NoError(t, g.Increment(context.Background(), org.ID, models.ActionQueries, 1))
	assert.Equal(t, 1, store.flushes)
}

func TestIncrement_BuffersBelowThreshold(t *testing.T) {
	org := models.Organization{ID: uuid.New()}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingActive, Limits: models.Limits{MaxEntities: 1000}}
	g, store := newTestGuard(org, billing)

	for i := 0; i < 50; i++ {
		require.NoError(t, g.Increment(context.Background(), org.ID, models.ActionEntities, 1))
	}
	assert.Equal(t, 0, store.flushes, "below the 100-entity flush threshold, nothing persisted yet")

	require.NoError(t, g.FlushAll(context.Background(), org.ID))
	assert.Equal(t, 1, store.flushes)
	assert.Equal(t, int64(50), store.usage.Entities)
}

func TestDecrement_RollsBackPendingBuffer(t *testing.T) {
	org := models.Organization{ID: uuid.New()}
	billing := models.BillingPeriod{ID: uuid.New(), Status: models.BillingActive, Limits: models.Limits{MaxEntities: 1000}}
	g, store := newTestGuard(org, billing)

	require.NoError(t, g.Increment(context.Background(), org.ID, models.ActionEntities, 5))
	require.NoError(t, g.Decrement(context.Background(), org.ID, models.ActionEntities, 5))
	require.NoError(t, g.FlushAll(context.Background(), org.ID))
	assert.Equal(t, int64(0), store.usage.Entities)
}
