// Package scheduler implements Scheduler (spec §4.6): a single cooperative
// tick loop that fires due syncs at most once each, handing completed work
// off to a WorkflowRuntime or an in-process runner.
//
// Grounded on original_source/backend/airweave/platform/scheduler.py's tick
// loop (poll active syncs, compute next_run, persist on drift, "no
// concurrent non-terminal job" guard) translated into Go using
// robfig/cron/v3 in place of croniter for next-run computation.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

type Scheduler struct {
	store        contracts.MetadataStore
	runner       contracts.WorkflowRuntime
	logger       zerolog.Logger
	tick         time.Duration
	driftTolerance time.Duration

	parser cron.Parser
}

// New builds a Scheduler. runner is either a durable WorkflowRuntime or an
// in-process fallback satisfying the same interface (§4.6, §6).
func New(store contracts.MetadataStore, runner contracts.WorkflowRuntime, logger zerolog.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Second
	}
	return &Scheduler{
		store:          store,
		runner:         runner,
		logger:         logger,
		tick:           tick,
		driftTolerance: time.Second,
		parser:         cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run blocks, ticking until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tickOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) error {
	syncs, err := s.store.ListActiveSyncsWithSchedule(ctx)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "failed to list active syncs", err)
	}

	now := time.Now().UTC()
	for _, sy := range syncs {
		if err := s.evaluate(ctx, sy, now); err != nil {
			s.logger.Error().Err(err).Str("sync_id", sy.ID.String()).Msg("failed to evaluate sync schedule")
		}
	}
	return nil
}

// evaluate computes next_run, persists drift, and hands off a job when due.
// The "no concurrent non-terminal job" check and job creation happen inside
// LockForScheduling's transaction to satisfy the idempotence invariant of
// §4.6: two ticks observing the same due state MUST produce exactly one job.
func (s *Scheduler) evaluate(ctx context.Context, sy models.Sync, now time.Time) error {
	schedule, err := s.parser.Parse(sy.CronSchedule)
	if err != nil {
		return airerr.Wrap(airerr.ValidationFailure, "invalid cron schedule", err)
	}

	return s.store.WithTx(ctx, func(ctx context.Context, tx contracts.MetadataStore) error {
		if err := tx.LockForScheduling(ctx, sy.ID); err != nil {
			return err
		}

		last, err := tx.GetLatestSyncJob(ctx, sy.ID)
		if err != nil {
			return err
		}

		anchor := time.Unix(0, 0).UTC()
		if last != nil {
			anchor = last.CreatedAt
		}
		nextRun := schedule.Next(anchor)
		if nextRun.Before(now) {
			// §4.6: recompute from now to avoid immediate fire on first
			// activation or after a long scheduler outage.
			nextRun = schedule.Next(now)
		}

		if sy.NextScheduledRun == nil || absDuration(nextRun.Sub(*sy.NextScheduledRun)) > s.driftTolerance {
			if err := tx.UpdateNextScheduledRun(ctx, sy.ID, nextRun); err != nil {
				return err
			}
		}

		due := sy.NextScheduledRun != nil && !sy.NextScheduledRun.After(now)
		if !due {
			return nil
		}
		if last != nil && !last.Status.IsTerminal() {
			return nil
		}

		job := &models.SyncJob{
			ID:        uuid.New(),
			SyncID:    sy.ID,
			Status:    models.SyncJobPending,
			CreatedAt: now,
		}
		if err := tx.CreateSyncJob(ctx, job); err != nil {
			return err
		}

		return s.handoff(ctx, tx, sy, *job)
	})
}

// handoff dispatches to the runner; a failure leaves the job pending so the
// next tick retries it, per §4.6.
func (s *Scheduler) handoff(ctx context.Context, tx contracts.MetadataStore, sy models.Sync, job models.SyncJob) error {
	dag, err := tx.GetSyncDag(ctx, sy.SyncDagID)
	if err != nil {
		return err
	}
	conn, err := tx.GetSourceConnectionBySyncID(ctx, sy.ID)
	if err != nil {
		return err
	}
	coll, err := tx.GetCollection(ctx, conn.CollectionID)
	if err != nil {
		return err
	}

	req := contracts.RunSourceConnectionRequest{
		Sync: sy, SyncJob: job, SyncDag: *dag, Collection: *coll, SourceConnection: *conn,
	}
	if err := s.runner.RunSourceConnection(ctx, req); err != nil {
		s.logger.Warn().Err(err).Str("sync_job_id", job.ID.String()).Msg("handoff failed, job remains pending")
		return nil
	}
	return nil
}

// RecomputeAllNextRuns is the maintenance operation invoked after a cron
// schedule edit or a scheduler outage: it recomputes next_scheduled_run for
// every active scheduled sync without evaluating due-ness or creating jobs.
func (s *Scheduler) RecomputeAllNextRuns(ctx context.Context) error {
	syncs, err := s.store.ListActiveSyncsWithSchedule(ctx)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "failed to list active syncs", err)
	}

	now := time.Now().UTC()
	for _, sy := range syncs {
		schedule, err := s.parser.Parse(sy.CronSchedule)
		if err != nil {
			s.logger.Warn().Err(err).Str("sync_id", sy.ID.String()).Msg("skipping sync with invalid cron schedule")
			continue
		}
		nextRun := schedule.Next(now)
		if err := s.store.UpdateNextScheduledRun(ctx, sy.ID, nextRun); err != nil {
			return err
		}
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
