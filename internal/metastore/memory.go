package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// MemoryStore implements contracts.MetadataStore with in-memory maps behind
// a single Mutex, grounded on the teacher's internal/store/memory.go
// map-of-pointers idiom (a different domain there, but the same shape: one
// map per entity kind, one mutex guarding all of them).
//
// WithTx serializes against other WithTx calls only: it holds txMu for the
// whole call, so two WithTx bodies never interleave, but a top-level call
// made outside WithTx takes only mu and can run between fn's own calls.
// That's the in-memory analogue of PostgresStore's real transaction
// isolation — cruder, but sufficient for the scheduler's "no concurrent
// non-terminal job" invariant in tests, where every dispatch goes through
// WithTx.
type MemoryStore struct {
	mu sync.Mutex

	// txMu serializes WithTx calls against each other, so one fn runs at a
	// time for its whole duration without fn's own method calls (which
	// each take mu individually) deadlocking against a held mu.
	// LockForScheduling takes only mu, not txMu.
	txMu sync.Mutex

	organizations     map[uuid.UUID]*models.Organization
	collections       map[uuid.UUID]*models.Collection
	collectionsByName map[string]uuid.UUID
	sourceConnections map[uuid.UUID]*models.SourceConnection
	syncs             map[uuid.UUID]*models.Sync
	syncDags          map[uuid.UUID]*models.SyncDag // keyed by sync id
	syncJobs          map[uuid.UUID][]*models.SyncJob
	cursors           map[uuid.UUID]*models.Cursor
	usage             map[usageKey]*models.Usage
	billingPeriods    map[uuid.UUID][]*models.BillingPeriod
	entityHashes      map[uuid.UUID]map[string]string

	locked map[uuid.UUID]bool // syncs LockForScheduling has ever been called for
}

type usageKey struct {
	orgID uuid.UUID
	bpID  uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		organizations:     make(map[uuid.UUID]*models.Organization),
		collections:       make(map[uuid.UUID]*models.Collection),
		collectionsByName: make(map[string]uuid.UUID),
		sourceConnections: make(map[uuid.UUID]*models.SourceConnection),
		syncs:             make(map[uuid.UUID]*models.Sync),
		syncDags:          make(map[uuid.UUID]*models.SyncDag),
		syncJobs:          make(map[uuid.UUID][]*models.SyncJob),
		cursors:           make(map[uuid.UUID]*models.Cursor),
		usage:             make(map[usageKey]*models.Usage),
		billingPeriods:    make(map[uuid.UUID][]*models.BillingPeriod),
		entityHashes:      make(map[uuid.UUID]map[string]string),
		locked:            make(map[uuid.UUID]bool),
	}
}

// ── seeding helpers (tests only) ─────────────────────────────

func (m *MemoryStore) PutOrganization(o *models.Organization) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations[o.ID] = o
}

func (m *MemoryStore) PutCollection(c *models.Collection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[c.ID] = c
	m.collectionsByName[c.ReadableID] = c.ID
}

func (m *MemoryStore) PutSourceConnection(c *models.SourceConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sourceConnections[c.ID] = c
}

func (m *MemoryStore) PutSync(s *models.Sync) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs[s.ID] = s
}

func (m *MemoryStore) PutSyncDag(d *models.SyncDag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncDags[d.SyncID] = d
}

func (m *MemoryStore) PutBillingPeriod(bp *models.BillingPeriod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.billingPeriods[bp.OrganizationID] = append(m.billingPeriods[bp.OrganizationID], bp)
}

// ── OrganizationStore ────────────────────────────────────────

func (m *MemoryStore) GetOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.organizations[id]
	if !ok {
		return nil, notFound("organization", id)
	}
	cp := *o
	return &cp, nil
}

// ── CollectionStore ──────────────────────────────────────────

func (m *MemoryStore) GetCollection(_ context.Context, id uuid.UUID) (*models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[id]
	if !ok {
		return nil, notFound("collection", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetCollectionByReadableID(_ context.Context, readableID string) (*models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.collectionsByName[readableID]
	if !ok {
		return nil, notFound("collection", readableID)
	}
	cp := *m.collections[id]
	return &cp, nil
}

func (m *MemoryStore) DeleteCollection(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[id]; ok {
		delete(m.collectionsByName, c.ReadableID)
	}
	delete(m.collections, id)
	return nil
}

// ── SourceConnectionStore ────────────────────────────────────

func (m *MemoryStore) GetSourceConnection(_ context.Context, id uuid.UUID) (*models.SourceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sourceConnections[id]
	if !ok {
		return nil, notFound("source connection", id)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetSourceConnectionBySyncID(_ context.Context, syncID uuid.UUID) (*models.SourceConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sy, ok := m.syncs[syncID]
	if !ok {
		return nil, notFound("sync", syncID)
	}
	c, ok := m.sourceConnections[sy.SourceConnectionID]
	if !ok {
		return nil, notFound("source connection for sync", syncID)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) UpdateSourceConnection(_ context.Context, c *models.SourceConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sourceConnections[c.ID]; !ok {
		return notFound("source connection", c.ID)
	}
	cp := *c
	cp.UpdatedAt = time.Now()
	m.sourceConnections[c.ID] = &cp
	return nil
}

// ── SyncStore ────────────────────────────────────────────────

func (m *MemoryStore) GetSync(_ context.Context, id uuid.UUID) (*models.Sync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.syncs[id]
	if !ok {
		return nil, notFound("sync", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) GetSyncDag(_ context.Context, syncID uuid.UUID) (*models.SyncDag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.syncDags[syncID]
	if !ok {
		return nil, notFound("sync dag", syncID)
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListActiveSyncsWithSchedule(_ context.Context) ([]models.Sync, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sync
	for _, s := range m.syncs {
		if s.Status == models.SyncStatusActive && s.CronSchedule != "" {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryStore) UpdateNextScheduledRun(_ context.Context, syncID uuid.UUID, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.syncs[syncID]
	if !ok {
		return notFound("sync", syncID)
	}
	s.NextScheduledRun = &next
	return nil
}

// LockForScheduling records syncID in the locked set; the entry is never
// cleared. It takes no lock that outlives the call: mutual exclusion
// between scheduler dispatches comes from WithTx's txMu, not from here.
func (m *MemoryStore) LockForScheduling(_ context.Context, syncID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.syncs[syncID]; !ok {
		return notFound("sync", syncID)
	}
	m.locked[syncID] = true
	return nil
}

// ── SyncJobStore ─────────────────────────────────────────────

func (m *MemoryStore) GetLatestSyncJob(_ context.Context, syncID uuid.UUID) (*models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.syncJobs[syncID]
	if len(jobs) == 0 {
		return nil, notFound("sync job for sync", syncID)
	}
	latest := jobs[0]
	for _, j := range jobs[1:] {
		if j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) CreateSyncJob(_ context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.syncJobs[job.SyncID] = append(m.syncJobs[job.SyncID], &cp)
	return nil
}

func (m *MemoryStore) UpdateSyncJob(_ context.Context, job *models.SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := m.syncJobs[job.SyncID]
	for i, j := range jobs {
		if j.ID == job.ID {
			cp := *job
			jobs[i] = &cp
			return nil
		}
	}
	return notFound("sync job", job.ID)
}

func (m *MemoryStore) ListSyncJobs(_ context.Context, syncID uuid.UUID, limit int) ([]models.SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := append([]*models.SyncJob(nil), m.syncJobs[syncID]...)
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	out := make([]models.SyncJob, len(jobs))
	for i, j := range jobs {
		out[i] = *j
	}
	return out, nil
}

// ── CursorStore ──────────────────────────────────────────────

func (m *MemoryStore) GetCursor(_ context.Context, sourceConnectionID uuid.UUID) (*models.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[sourceConnectionID]
	if !ok {
		return nil, notFound("cursor", sourceConnectionID)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) CommitCursor(_ context.Context, cursor models.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cursor.UpdatedAt = time.Now()
	m.cursors[cursor.SourceConnectionID] = &cursor
	return nil
}

// ── UsageStore ───────────────────────────────────────────────

func (m *MemoryStore) GetUsage(_ context.Context, orgID, billingPeriodID uuid.UUID) (*models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[usageKey{orgID, billingPeriodID}]
	if !ok {
		return &models.Usage{OrganizationID: orgID, BillingPeriodID: billingPeriodID}, nil
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) GetBillingPeriod(_ context.Context, orgID uuid.UUID) (*models.BillingPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	periods := m.billingPeriods[orgID]
	if len(periods) == 0 {
		return nil, notFound("billing period", orgID)
	}
	latest := periods[0]
	for _, p := range periods[1:] {
		if p.PeriodStart.After(latest.PeriodStart) {
			latest = p
		}
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) IncrementUsage(_ context.Context, orgID, billingPeriodID uuid.UUID, action models.UsageAction, delta int64) (*models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := usageKey{orgID, billingPeriodID}
	u, ok := m.usage[key]
	if !ok {
		u = &models.Usage{OrganizationID: orgID, BillingPeriodID: billingPeriodID}
		m.usage[key] = u
	}
	switch action {
	case models.ActionEntities:
		u.Entities += delta
	case models.ActionQueries:
		u.Queries += delta
	case models.ActionSourceConnections:
		u.SourceConnections += delta
	default:
		return nil, airerr.New(airerr.ValidationFailure, "metastore: unsupported usage action")
	}
	u.UpdatedAt = time.Now()
	cp := *u
	return &cp, nil
}

// ── EntityHashStore ──────────────────────────────────────────

func (m *MemoryStore) GetEntityHashes(_ context.Context, sourceConnectionID uuid.UUID) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.entityHashes[sourceConnectionID]))
	for k, v := range m.entityHashes[sourceConnectionID] {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) CommitEntityHashes(_ context.Context, sourceConnectionID uuid.UUID, hashes map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]string, len(hashes))
	for k, v := range hashes {
		cp[k] = v
	}
	m.entityHashes[sourceConnectionID] = cp
	return nil
}

// ── WithTx / Close ───────────────────────────────────────────

// WithTx holds txMu for fn's entire duration, so no other WithTx call (and
// in particular no other scheduler dispatch attempt) can run concurrently.
// fn's own calls into tx still take mu per-call as usual; txMu only
// serializes at the WithTx granularity, which is what the scheduler's "no
// concurrent non-terminal job" check needs.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx contracts.MetadataStore) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(ctx, m)
}

func (m *MemoryStore) Close() error { return nil }

func notFound(kind string, key interface{}) error {
	return airerr.New(airerr.NotFoundOrGone, fmt.Sprintf("metastore: %s %v not found", kind, key))
}

var _ contracts.MetadataStore = (*MemoryStore)(nil)
