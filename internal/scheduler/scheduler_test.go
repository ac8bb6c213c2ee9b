package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

type fakeStore struct {
	contracts.MetadataStore

	mu             sync.Mutex
	syncs          []models.Sync
	jobs           map[uuid.UUID][]models.SyncJob
	nextScheduled  map[uuid.UUID]time.Time
	createdJobs    int
}

func newFakeStore(syncs []models.Sync) *fakeStore {
	return &fakeStore{
		syncs:         syncs,
		jobs:          make(map[uuid.UUID][]models.SyncJob),
		nextScheduled: make(map[uuid.UUID]time.Time),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx contracts.MetadataStore) error) error {
	return fn(ctx, f)
}

func (f *fakeStore) ListActiveSyncsWithSchedule(context.Context) ([]models.Sync, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Sync, len(f.syncs))
	copy(out, f.syncs)
	for i := range out {
		if t, ok := f.nextScheduled[out[i].ID]; ok {
			out[i].NextScheduledRun = &t
		}
	}
	return out, nil
}

func (f *fakeStore) LockForScheduling(context.Context, uuid.UUID) error { return nil }

func (f *fakeStore) GetLatestSyncJob(_ context.Context, syncID uuid.UUID) (*models.SyncJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jobs := f.jobs[syncID]
	if len(jobs) == 0 {
		return nil, nil
	}
	j := jobs[len(jobs)-1]
	return &j, nil
}

func (f *fakeStore) CreateSyncJob(_ context.Context, job *models.SyncJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.SyncID] = append(f.jobs[job.SyncID], *job)
	f.createdJobs++
	return nil
}

func (f *fakeStore) UpdateNextScheduledRun(_ context.Context, syncID uuid.UUID, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextScheduled[syncID] = next
	for i := range f.syncs {
		if f.syncs[i].ID == syncID {
			f.syncs[i].NextScheduledRun = &next
		}
	}
	return nil
}

func (f *fakeStore) GetSyncDag(context.Context, uuid.UUID) (*models.SyncDag, error) {
	return &models.SyncDag{}, nil
}
func (f *fakeStore) GetSourceConnectionBySyncID(context.Context, uuid.UUID) (*models.SourceConnection, error) {
	return &models.SourceConnection{}, nil
}
func (f *fakeStore) GetCollection(context.Context, uuid.UUID) (*models.Collection, error) {
	return &models.Collection{}, nil
}

type fakeRunner struct {
	mu   sync.Mutex
	runs int
	fail bool
}

func (r *fakeRunner) RunSourceConnection(context.Context, contracts.RunSourceConnectionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if r.fail {
		return assertErr
	}
	return nil
}

var assertErr = &fakeError{}

type fakeError struct{}

func (*fakeError) Error() string { return "handoff failed" }

func TestScheduler_FirstActivationDoesNotFireImmediately(t *testing.T) {
	sy := models.Sync{ID: uuid.New(), CronSchedule: "* * * * *", Status: models.SyncStatusActive}
	store := newFakeStore([]models.Sync{sy})
	runner := &fakeRunner{}
	s := New(store, runner, zerolog.Nop(), time.Second)

	require.NoError(t, s.tickOnce(context.Background()))

	assert.Equal(t, 0, store.createdJobs, "a sync with no prior job and no stored next_scheduled_run must not fire on first tick")
	assert.Equal(t, 0, runner.runs)
}

func TestScheduler_DueSyncCreatesExactlyOneJobAcrossTicks(t *testing.T) {
	sy := models.Sync{ID: uuid.New(), CronSchedule: "* * * * *", Status: models.SyncStatusActive}
	past := time.Now().UTC().Add(-time.Hour)
	store := newFakeStore([]models.Sync{sy})
	store.nextScheduled[sy.ID] = past
	for i := range store.syncs {
		store.syncs[i].NextScheduledRun = &past
	}
	runner := &fakeRunner{}
	s := New(store, runner, zerolog.Nop(), time.Second)

	require.NoError(t, s.tickOnce(context.Background()))
	require.NoError(t, s.tickOnce(context.Background()))

	assert.Equal(t, 1, store.createdJobs, "two ticks observing the same due state must produce exactly one job")
	assert.Equal(t, 1, runner.runs)
}

func TestScheduler_HandoffFailureLeavesJobPendingForRetry(t *testing.T) {
	sy := models.Sync{ID: uuid.New(), CronSchedule: "* * * * *", Status: models.SyncStatusActive}
	past := time.Now().UTC().Add(-time.Hour)
	store := newFakeStore([]models.Sync{sy})
	store.nextScheduled[sy.ID] = past
	for i := range store.syncs {
		store.syncs[i].NextScheduledRun = &past
	}
	runner := &fakeRunner{fail: true}
	s := New(store, runner, zerolog.Nop(), time.Second)

	require.NoError(t, s.tickOnce(context.Background()))

	jobs := store.jobs[sy.ID]
	require.Len(t, jobs, 1)
	assert.Equal(t, models.SyncJobPending, jobs[0].Status)
}
