// Package quota implements QuotaGuard (spec §4.7): per-organization
// admission control for {entities, queries, source_connections,
// team_members}, billing-status gating, a 30s TTL usage cache, and batched
// flush thresholds.
//
// Grounded on the teacher's mutex-per-resource pattern (internal/auth/chain.go,
// internal/process/manager.go): one mutex-guarded map keyed by
// organization id, each entry owning its own sync.Mutex so admission,
// increment, and flush are serialized per org without blocking other
// orgs. The billing-status gating table itself is ported from
// original_source/backend/airweave/core/guard_rail_service.py.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/internal/metrics"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// blockedActions is the billing-status gating table of §4.7.
var blockedActions = map[models.BillingPeriodStatus]map[models.UsageAction]bool{
	models.BillingActive: {},
	models.BillingTrial:  {},
	models.BillingGrace: {
		models.ActionSourceConnections: true,
	},
	models.BillingEndedUnpaid: {
		models.ActionEntities:          true,
		models.ActionSourceConnections: true,
	},
	models.BillingCompleted: {
		models.ActionEntities:          true,
		models.ActionQueries:           true,
		models.ActionSourceConnections: true,
	},
}

type orgState struct {
	mu sync.Mutex

	org       models.Organization
	billing   models.BillingPeriod
	usage     models.Usage
	usageAt   time.Time
	pending   map[models.UsageAction]int64
}

// Guard is the concrete QuotaGuard.
type Guard struct {
	store       contracts.UsageStore
	orgs        contracts.OrganizationStore
	cacheTTL    time.Duration
	flushEvery  map[models.UsageAction]int64

	mu    sync.Mutex
	state map[uuid.UUID]*orgState

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Collector
}

func New(store contracts.UsageStore, orgs contracts.OrganizationStore, cacheTTL time.Duration, flushEvery map[models.UsageAction]int64) *Guard {
	if flushEvery == nil {
		flushEvery = map[models.UsageAction]int64{
			models.ActionEntities:          100,
			models.ActionQueries:           1,
			models.ActionSourceConnections: 1,
		}
	}
	return &Guard{
		store:      store,
		orgs:       orgs,
		cacheTTL:   cacheTTL,
		flushEvery: flushEvery,
		state:      make(map[uuid.UUID]*orgState),
	}
}

func (g *Guard) stateFor(orgID uuid.UUID) *orgState {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.state[orgID]
	if !ok {
		s = &orgState{pending: make(map[models.UsageAction]int64)}
		g.state[orgID] = s
	}
	return s
}

func (g *Guard) refreshLocked(ctx context.Context, s *orgState, orgID uuid.UUID) error {
	if s.org.ID != uuid.Nil && time.Since(s.usageAt) < g.cacheTTL {
		return nil
	}

	org, err := g.orgs.GetOrganization(ctx, orgID)
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "organization lookup failed", err)
	}
	billing, err := g.store.GetBillingPeriod(ctx, orgID)
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "billing period lookup failed", err)
	}
	usage, err := g.store.GetUsage(ctx, orgID, billing.ID)
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "usage lookup failed", err)
	}

	s.org = *org
	s.billing = *billing
	s.usage = *usage
	s.usageAt = time.Now()
	return nil
}

// Allowed implements §4.7's admission check: billing-status gate first,
// then numeric limit. Legacy organizations bypass both but are still
// logged, per §4.7's "Legacy (non-billing) organizations" clause.
func (g *Guard) Allowed(ctx context.Context, orgID uuid.UUID, action models.UsageAction, n int64) error {
	s := g.stateFor(orgID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := g.refreshLocked(ctx, s, orgID); err != nil {
		return err
	}

	if s.org.IsLegacy {
		log.Debug().Str("organization_id", orgID.String()).Str("action", string(action)).Msg("legacy organization bypasses quota checks")
		g.Metrics.RecordQuotaAdmission(string(action), true)
		return nil
	}

	if action == models.ActionTeamMembers {
		// team_members is always counted live by the caller; QuotaGuard
		// only applies the billing-status gate to it.
		if blockedActions[s.billing.Status][action] {
			g.Metrics.RecordQuotaAdmission(string(action), false)
			return airerr.New(airerr.PaymentRequired, "team_members blocked by billing status "+string(s.billing.Status))
		}
		g.Metrics.RecordQuotaAdmission(string(action), true)
		return nil
	}

	if blockedActions[s.billing.Status][action] {
		g.Metrics.RecordQuotaAdmission(string(action), false)
		return airerr.New(airerr.PaymentRequired, string(action)+" blocked by billing status "+string(s.billing.Status))
	}

	limit := limitFor(s.billing.Limits, action)
	current := currentFor(s.usage, action)
	pending := s.pending[action]

	if limit > 0 && current+pending+n > limit {
		g.Metrics.RecordQuotaAdmission(string(action), false)
		return airerr.New(airerr.QuotaExceeded, "usage limit exceeded")
	}
	g.Metrics.RecordQuotaAdmission(string(action), true)
	return nil
}

// Increment buffers n in memory and flushes to the persistent counter once
// the per-action threshold is crossed, refreshing the in-memory snapshot
// from the store's return value (§4.7).
func (g *Guard) Increment(ctx context.Context, orgID uuid.UUID, action models.UsageAction, n int64) error {
	s := g.stateFor(orgID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[action] += n
	threshold := g.flushEvery[action]
	if threshold <= 0 {
		threshold = 1
	}
	if s.pending[action] >= threshold {
		return g.flushActionLocked(ctx, s, orgID, action)
	}
	return nil
}

// Decrement is the symmetric rollback used when an admitted write fails.
func (g *Guard) Decrement(ctx context.Context, orgID uuid.UUID, action models.UsageAction, n int64) error {
	s := g.stateFor(orgID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[action] -= n
	return nil
}

// FlushAll drains every buffered action for an organization. MUST be called
// at the end of every job (success or failure) and at process shutdown.
func (g *Guard) FlushAll(ctx context.Context, orgID uuid.UUID) error {
	s := g.stateFor(orgID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for action, n := range s.pending {
		if n == 0 {
			continue
		}
		if err := g.flushActionLocked(ctx, s, orgID, action); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) flushActionLocked(ctx context.Context, s *orgState, orgID uuid.UUID, action models.UsageAction) error {
	delta := s.pending[action]
	if delta == 0 {
		return nil
	}
	if err := g.refreshLocked(ctx, s, orgID); err != nil {
		return err
	}
	updated, err := g.store.IncrementUsage(ctx, orgID, s.billing.ID, action, delta)
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "usage flush failed", err)
	}
	s.usage = *updated
	s.usageAt = time.Now()
	s.pending[action] = 0
	return nil
}

func limitFor(l models.Limits, action models.UsageAction) int64 {
	switch action {
	case models.ActionEntities:
		return l.MaxEntities
	case models.ActionQueries:
		return l.MaxQueries
	case models.ActionSourceConnections:
		return l.MaxSourceConnections
	case models.ActionTeamMembers:
		return l.MaxTeamMembers
	default:
		return 0
	}
}

func currentFor(u models.Usage, action models.UsageAction) int64 {
	switch action {
	case models.ActionEntities:
		return u.Entities
	case models.ActionQueries:
		return u.Queries
	case models.ActionSourceConnections:
		return u.SourceConnections
	default:
		return 0
	}
}

var _ contracts.QuotaGuard = (*Guard)(nil)
