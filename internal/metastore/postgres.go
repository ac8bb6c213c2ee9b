// Package metastore implements contracts.MetadataStore (§6): the relational
// store behind organizations, collections, source connections, syncs, sync
// jobs, cursors, usage, and entity hashes. PostgresStore is the primary
// adapter; MemoryStore is an in-memory test double (see memory.go).
//
// Grounded structurally on the teacher's internal/vectorstore/pgvector.go —
// the only pgx usage anywhere in the teacher repo — for the pgxpool
// connection/migrate pattern. The teacher's own internal/store/{store,memory}.go
// solves an unrelated Agent/Recipe/Kitchen domain and has no concrete
// Postgres-backed Store to adapt line for line (see DESIGN.md).
package metastore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// dialect builds parameterized SQL ($1, $2, ...) for the mutating,
// variable-shape statements below without pulling in a full query-builder
// connection of its own; execution still goes through querier (pgx) so
// WithTx's transaction swap keeps working.
var dialect = goqu.Dialect("postgres")

// querier is the subset of *pgxpool.Pool and pgx.Tx that PostgresStore's
// methods need, letting the same method bodies run either against the pool
// directly or against a transaction's *pgx.Tx from WithTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// txAdapter narrows pgx.Tx to querier; *pgxpool.Pool already satisfies it
// directly.
type txAdapter struct{ tx pgx.Tx }

func (a txAdapter) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return a.tx.Exec(ctx, sql, args...)
}
func (a txAdapter) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return a.tx.Query(ctx, sql, args...)
}
func (a txAdapter) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return a.tx.QueryRow(ctx, sql, args...)
}

// PostgresStore implements contracts.MetadataStore against PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier // pool by default, swapped for a txAdapter inside WithTx
}

func NewPostgresStore(ctx context.Context, connURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "metastore connect failed", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, airerr.Wrap(airerr.Transient, "metastore ping failed", err)
	}
	s := &PostgresStore{pool: pool, q: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "metastore migrate failed", err)
	}
	log.Info().Msg("metastore postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS organizations (
			id                    UUID PRIMARY KEY,
			name                  TEXT NOT NULL,
			is_legacy             BOOLEAN NOT NULL DEFAULT FALSE,
			billing_period_id     UUID NOT NULL,
			billing_period_status TEXT NOT NULL,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS collections (
			id              UUID PRIMARY KEY,
			readable_id     TEXT NOT NULL UNIQUE,
			name            TEXT NOT NULL,
			organization_id UUID NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS source_connections (
			id                     UUID PRIMARY KEY,
			organization_id        UUID NOT NULL,
			source_short_name      TEXT NOT NULL,
			collection_id          UUID NOT NULL,
			auth_variant           TEXT NOT NULL,
			status                 TEXT NOT NULL,
			direct_credentials     JSONB,
			oauth_access_token     TEXT,
			oauth_refresh_token    TEXT,
			auth_provider_name     TEXT,
			auth_provider_config   JSONB,
			template_config_fields JSONB,
			cron_schedule          TEXT,
			cursor_field_spec      TEXT,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_source_connections_sync_lookup ON source_connections (id);

		CREATE TABLE IF NOT EXISTS syncs (
			id                   UUID PRIMARY KEY,
			organization_id      UUID NOT NULL,
			name                 TEXT NOT NULL,
			source_connection_id UUID NOT NULL,
			sync_dag_id          UUID NOT NULL,
			cron_schedule        TEXT,
			status               TEXT NOT NULL,
			next_scheduled_run   TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_syncs_source_connection ON syncs (source_connection_id);
		CREATE INDEX IF NOT EXISTS idx_syncs_schedule ON syncs (status, next_scheduled_run);

		CREATE TABLE IF NOT EXISTS sync_dags (
			id      UUID PRIMARY KEY,
			sync_id UUID NOT NULL,
			nodes   JSONB NOT NULL,
			edges   JSONB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sync_jobs (
			id          UUID PRIMARY KEY,
			sync_id     UUID NOT NULL,
			status      TEXT NOT NULL,
			counters    JSONB NOT NULL DEFAULT '{}',
			error_msg   TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at  TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_sync_jobs_sync_created ON sync_jobs (sync_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS cursors (
			source_connection_id UUID PRIMARY KEY,
			values               JSONB NOT NULL DEFAULT '{}',
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS usage (
			organization_id     UUID NOT NULL,
			billing_period_id   UUID NOT NULL,
			entities            BIGINT NOT NULL DEFAULT 0,
			queries             BIGINT NOT NULL DEFAULT 0,
			source_connections  BIGINT NOT NULL DEFAULT 0,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (organization_id, billing_period_id)
		);

		CREATE TABLE IF NOT EXISTS billing_periods (
			id              UUID PRIMARY KEY,
			organization_id UUID NOT NULL,
			status          TEXT NOT NULL,
			max_entities    BIGINT NOT NULL,
			max_queries     BIGINT NOT NULL,
			max_source_connections BIGINT NOT NULL,
			max_team_members BIGINT NOT NULL,
			period_start    TIMESTAMPTZ NOT NULL,
			period_end      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_billing_periods_org ON billing_periods (organization_id, period_start DESC);

		CREATE TABLE IF NOT EXISTS entity_hashes (
			source_connection_id UUID NOT NULL,
			entity_id            TEXT NOT NULL,
			content_hash         TEXT NOT NULL,
			PRIMARY KEY (source_connection_id, entity_id)
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// WithTx runs fn against a PostgresStore whose querier is bound to a live
// transaction, committing on success and rolling back on error or panic.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx contracts.MetadataStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "metastore begin tx failed", err)
	}
	txStore := &PostgresStore{pool: s.pool, q: txAdapter{tx}}

	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Warn().Err(rbErr).Msg("metastore tx rollback failed")
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return airerr.Wrap(airerr.Transient, "metastore commit tx failed", err)
	}
	return nil
}

// ── OrganizationStore ────────────────────────────────────────

func (s *PostgresStore) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var o models.Organization
	err := s.q.QueryRow(ctx, `SELECT id, name, is_legacy, billing_period_id, billing_period_status, created_at
		FROM organizations WHERE id = $1`, id).
		Scan(&o.ID, &o.Name, &o.IsLegacy, &o.BillingPeriodID, &o.BillingPeriodStatus, &o.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "organization", id)
	}
	return &o, nil
}

// ── CollectionStore ──────────────────────────────────────────

func (s *PostgresStore) GetCollection(ctx context.Context, id uuid.UUID) (*models.Collection, error) {
	var c models.Collection
	err := s.q.QueryRow(ctx, `SELECT id, readable_id, name, organization_id, created_at
		FROM collections WHERE id = $1`, id).
		Scan(&c.ID, &c.ReadableID, &c.Name, &c.OrganizationID, &c.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "collection", id)
	}
	return &c, nil
}

func (s *PostgresStore) GetCollectionByReadableID(ctx context.Context, readableID string) (*models.Collection, error) {
	var c models.Collection
	err := s.q.QueryRow(ctx, `SELECT id, readable_id, name, organization_id, created_at
		FROM collections WHERE readable_id = $1`, readableID).
		Scan(&c.ID, &c.ReadableID, &c.Name, &c.OrganizationID, &c.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "collection", readableID)
	}
	return &c, nil
}

func (s *PostgresStore) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	_, err := s.q.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "delete collection failed", err)
	}
	return nil
}

// ── SourceConnectionStore ────────────────────────────────────

func (s *PostgresStore) GetSourceConnection(ctx context.Context, id uuid.UUID) (*models.SourceConnection, error) {
	row := s.q.QueryRow(ctx, sourceConnectionSelect+` WHERE id = $1`, id)
	return scanSourceConnection(row, "source connection", id)
}

func (s *PostgresStore) GetSourceConnectionBySyncID(ctx context.Context, syncID uuid.UUID) (*models.SourceConnection, error) {
	row := s.q.QueryRow(ctx, sourceConnectionSelect+`
		WHERE id = (SELECT source_connection_id FROM syncs WHERE id = $1)`, syncID)
	return scanSourceConnection(row, "source connection for sync", syncID)
}

func (s *PostgresStore) UpdateSourceConnection(ctx context.Context, c *models.SourceConnection) error {
	directCreds, _ := json.Marshal(c.DirectCredentials)
	providerCfg, _ := json.Marshal(c.AuthProviderConfig)
	templateFields, _ := json.Marshal(c.TemplateConfigFields)

	sql, args, err := dialect.Update("source_connections").
		Set(goqu.Record{
			"organization_id":        c.OrganizationID,
			"source_short_name":      c.SourceShortName,
			"collection_id":          c.CollectionID,
			"auth_variant":           c.AuthVariant,
			"status":                 c.Status,
			"direct_credentials":     directCreds,
			"oauth_access_token":     c.OAuthAccessToken,
			"oauth_refresh_token":    c.OAuthRefreshToken,
			"auth_provider_name":     c.AuthProviderName,
			"auth_provider_config":   providerCfg,
			"template_config_fields": templateFields,
			"cron_schedule":          c.CronSchedule,
			"cursor_field_spec":      c.CursorFieldSpec,
			"updated_at":             goqu.L("NOW()"),
		}).
		Where(goqu.C("id").Eq(c.ID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "build update source connection query failed", err)
	}

	if _, err := s.q.Exec(ctx, sql, args...); err != nil {
		return airerr.Wrap(airerr.Transient, "update source connection failed", err)
	}
	return nil
}

const sourceConnectionSelect = `SELECT id, organization_id, source_short_name, collection_id,
	auth_variant, status, direct_credentials, oauth_access_token, oauth_refresh_token,
	auth_provider_name, auth_provider_config, template_config_fields,
	cron_schedule, cursor_field_spec, created_at, updated_at
	FROM source_connections`

func scanSourceConnection(row pgx.Row, kind string, key interface{}) (*models.SourceConnection, error) {
	var c models.SourceConnection
	var directCreds, providerCfg, templateFields []byte
	err := row.Scan(&c.ID, &c.OrganizationID, &c.SourceShortName, &c.CollectionID,
		&c.AuthVariant, &c.Status, &directCreds, &c.OAuthAccessToken, &c.OAuthRefreshToken,
		&c.AuthProviderName, &providerCfg, &templateFields,
		&c.CronSchedule, &c.CursorFieldSpec, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err, kind, key)
	}
	_ = json.Unmarshal(directCreds, &c.DirectCredentials)
	_ = json.Unmarshal(providerCfg, &c.AuthProviderConfig)
	_ = json.Unmarshal(templateFields, &c.TemplateConfigFields)
	return &c, nil
}

// ── SyncStore ────────────────────────────────────────────────

func (s *PostgresStore) GetSync(ctx context.Context, id uuid.UUID) (*models.Sync, error) {
	var sy models.Sync
	err := s.q.QueryRow(ctx, `SELECT id, organization_id, name, source_connection_id, sync_dag_id,
			cron_schedule, status, next_scheduled_run, created_at
		FROM syncs WHERE id = $1`, id).
		Scan(&sy.ID, &sy.OrganizationID, &sy.Name, &sy.SourceConnectionID, &sy.SyncDagID,
			&sy.CronSchedule, &sy.Status, &sy.NextScheduledRun, &sy.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "sync", id)
	}
	return &sy, nil
}

func (s *PostgresStore) GetSyncDag(ctx context.Context, syncID uuid.UUID) (*models.SyncDag, error) {
	var d models.SyncDag
	var nodesRaw, edgesRaw []byte
	err := s.q.QueryRow(ctx, `SELECT id, sync_id, nodes, edges FROM sync_dags WHERE sync_id = $1`, syncID).
		Scan(&d.ID, &d.SyncID, &nodesRaw, &edgesRaw)
	if err != nil {
		return nil, wrapNotFound(err, "sync dag", syncID)
	}
	if err := json.Unmarshal(nodesRaw, &d.Nodes); err != nil {
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "unmarshal sync dag nodes", err)
	}
	if err := json.Unmarshal(edgesRaw, &d.Edges); err != nil {
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "unmarshal sync dag edges", err)
	}
	return &d, nil
}

func (s *PostgresStore) ListActiveSyncsWithSchedule(ctx context.Context) ([]models.Sync, error) {
	rows, err := s.q.Query(ctx, `SELECT id, organization_id, name, source_connection_id, sync_dag_id,
			cron_schedule, status, next_scheduled_run, created_at
		FROM syncs WHERE status = $1 AND cron_schedule IS NOT NULL AND cron_schedule != ''`, models.SyncStatusActive)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "list active syncs failed", err)
	}
	defer rows.Close()

	var out []models.Sync
	for rows.Next() {
		var sy models.Sync
		if err := rows.Scan(&sy.ID, &sy.OrganizationID, &sy.Name, &sy.SourceConnectionID, &sy.SyncDagID,
			&sy.CronSchedule, &sy.Status, &sy.NextScheduledRun, &sy.CreatedAt); err != nil {
			return nil, airerr.Wrap(airerr.Transient, "scan active sync row failed", err)
		}
		out = append(out, sy)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateNextScheduledRun(ctx context.Context, syncID uuid.UUID, next time.Time) error {
	_, err := s.q.Exec(ctx, `UPDATE syncs SET next_scheduled_run = $2 WHERE id = $1`, syncID, next)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "update next scheduled run failed", err)
	}
	return nil
}

// LockForScheduling acquires a row lock on the sync for the duration of the
// enclosing transaction (SELECT ... FOR UPDATE), so two scheduler ticks can
// never dispatch the same sync concurrently. Callers MUST invoke this inside
// WithTx — called against the bare pool it locks and immediately releases,
// giving no mutual exclusion at all.
func (s *PostgresStore) LockForScheduling(ctx context.Context, syncID uuid.UUID) error {
	var discard uuid.UUID
	err := s.q.QueryRow(ctx, `SELECT id FROM syncs WHERE id = $1 FOR UPDATE`, syncID).Scan(&discard)
	if err != nil {
		return wrapNotFound(err, "sync", syncID)
	}
	return nil
}

// ── SyncJobStore ─────────────────────────────────────────────

func (s *PostgresStore) GetLatestSyncJob(ctx context.Context, syncID uuid.UUID) (*models.SyncJob, error) {
	row := s.q.QueryRow(ctx, `SELECT id, sync_id, status, counters, error_msg, created_at, started_at, finished_at
		FROM sync_jobs WHERE sync_id = $1 ORDER BY created_at DESC LIMIT 1`, syncID)
	return scanSyncJob(row, syncID)
}

func (s *PostgresStore) CreateSyncJob(ctx context.Context, job *models.SyncJob) error {
	counters, _ := json.Marshal(job.Counters)
	sql, args, err := dialect.Insert("sync_jobs").
		Rows(goqu.Record{
			"id":          job.ID,
			"sync_id":     job.SyncID,
			"status":      job.Status,
			"counters":    counters,
			"error_msg":   job.ErrorMsg,
			"created_at":  job.CreatedAt,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
		}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "build create sync job query failed", err)
	}

	if _, err := s.q.Exec(ctx, sql, args...); err != nil {
		return airerr.Wrap(airerr.Transient, "create sync job failed", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSyncJob(ctx context.Context, job *models.SyncJob) error {
	counters, _ := json.Marshal(job.Counters)
	sql, args, err := dialect.Update("sync_jobs").
		Set(goqu.Record{
			"status":      job.Status,
			"counters":    counters,
			"error_msg":   job.ErrorMsg,
			"started_at":  job.StartedAt,
			"finished_at": job.FinishedAt,
		}).
		Where(goqu.C("id").Eq(job.ID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "build update sync job query failed", err)
	}

	if _, err := s.q.Exec(ctx, sql, args...); err != nil {
		return airerr.Wrap(airerr.Transient, "update sync job failed", err)
	}
	return nil
}

func (s *PostgresStore) ListSyncJobs(ctx context.Context, syncID uuid.UUID, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.Query(ctx, `SELECT id, sync_id, status, counters, error_msg, created_at, started_at, finished_at
		FROM sync_jobs WHERE sync_id = $1 ORDER BY created_at DESC LIMIT $2`, syncID, limit)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "list sync jobs failed", err)
	}
	defer rows.Close()

	var out []models.SyncJob
	for rows.Next() {
		var j models.SyncJob
		var counters []byte
		if err := rows.Scan(&j.ID, &j.SyncID, &j.Status, &counters, &j.ErrorMsg, &j.CreatedAt, &j.StartedAt, &j.FinishedAt); err != nil {
			return nil, airerr.Wrap(airerr.Transient, "scan sync job row failed", err)
		}
		_ = json.Unmarshal(counters, &j.Counters)
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanSyncJob(row pgx.Row, syncID uuid.UUID) (*models.SyncJob, error) {
	var j models.SyncJob
	var counters []byte
	err := row.Scan(&j.ID, &j.SyncID, &j.Status, &counters, &j.ErrorMsg, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, wrapNotFound(err, "sync job for sync", syncID)
	}
	_ = json.Unmarshal(counters, &j.Counters)
	return &j, nil
}

// ── CursorStore ──────────────────────────────────────────────

func (s *PostgresStore) GetCursor(ctx context.Context, sourceConnectionID uuid.UUID) (*models.Cursor, error) {
	var c models.Cursor
	var values []byte
	err := s.q.QueryRow(ctx, `SELECT source_connection_id, values, updated_at
		FROM cursors WHERE source_connection_id = $1`, sourceConnectionID).
		Scan(&c.SourceConnectionID, &values, &c.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "cursor", sourceConnectionID)
	}
	_ = json.Unmarshal(values, &c.Values)
	return &c, nil
}

func (s *PostgresStore) CommitCursor(ctx context.Context, cursor models.Cursor) error {
	values, _ := json.Marshal(cursor.Values)
	sql, args, err := dialect.Insert("cursors").
		Rows(goqu.Record{
			"source_connection_id": cursor.SourceConnectionID,
			"values":               values,
			"updated_at":           goqu.L("NOW()"),
		}).
		OnConflict(goqu.DoUpdate("source_connection_id", goqu.Record{
			"values":     goqu.L("EXCLUDED.values"),
			"updated_at": goqu.L("NOW()"),
		})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "build commit cursor query failed", err)
	}

	if _, err := s.q.Exec(ctx, sql, args...); err != nil {
		return airerr.Wrap(airerr.Transient, "commit cursor failed", err)
	}
	return nil
}

// ── UsageStore ───────────────────────────────────────────────

func (s *PostgresStore) GetUsage(ctx context.Context, orgID, billingPeriodID uuid.UUID) (*models.Usage, error) {
	var u models.Usage
	err := s.q.QueryRow(ctx, `SELECT organization_id, billing_period_id, entities, queries, source_connections, updated_at
		FROM usage WHERE organization_id = $1 AND billing_period_id = $2`, orgID, billingPeriodID).
		Scan(&u.OrganizationID, &u.BillingPeriodID, &u.Entities, &u.Queries, &u.SourceConnections, &u.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return &models.Usage{OrganizationID: orgID, BillingPeriodID: billingPeriodID}, nil
		}
		return nil, airerr.Wrap(airerr.Transient, "get usage failed", err)
	}
	return &u, nil
}

func (s *PostgresStore) GetBillingPeriod(ctx context.Context, orgID uuid.UUID) (*models.BillingPeriod, error) {
	var bp models.BillingPeriod
	err := s.q.QueryRow(ctx, `SELECT id, organization_id, status, max_entities, max_queries,
			max_source_connections, max_team_members, period_start, period_end
		FROM billing_periods WHERE organization_id = $1 ORDER BY period_start DESC LIMIT 1`, orgID).
		Scan(&bp.ID, &bp.OrganizationID, &bp.Status, &bp.Limits.MaxEntities, &bp.Limits.MaxQueries,
			&bp.Limits.MaxSourceConnections, &bp.Limits.MaxTeamMembers, &bp.PeriodStart, &bp.PeriodEnd)
	if err != nil {
		return nil, wrapNotFound(err, "billing period", orgID)
	}
	return &bp, nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, orgID, billingPeriodID uuid.UUID, action models.UsageAction, delta int64) (*models.Usage, error) {
	col, err := usageColumn(action)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`INSERT INTO usage (organization_id, billing_period_id, %s, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (organization_id, billing_period_id) DO UPDATE
			SET %s = usage.%s + EXCLUDED.%s, updated_at = NOW()
		RETURNING organization_id, billing_period_id, entities, queries, source_connections, updated_at`,
		col, col, col, col)

	var u models.Usage
	err = s.q.QueryRow(ctx, query, orgID, billingPeriodID, delta).
		Scan(&u.OrganizationID, &u.BillingPeriodID, &u.Entities, &u.Queries, &u.SourceConnections, &u.UpdatedAt)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "increment usage failed", err)
	}
	return &u, nil
}

func usageColumn(action models.UsageAction) (string, error) {
	switch action {
	case models.ActionEntities:
		return "entities", nil
	case models.ActionQueries:
		return "queries", nil
	case models.ActionSourceConnections:
		return "source_connections", nil
	default:
		return "", airerr.New(airerr.ValidationFailure, fmt.Sprintf("metastore: unsupported usage action %q", action))
	}
}

// ── EntityHashStore ──────────────────────────────────────────

func (s *PostgresStore) GetEntityHashes(ctx context.Context, sourceConnectionID uuid.UUID) (map[string]string, error) {
	rows, err := s.q.Query(ctx, `SELECT entity_id, content_hash FROM entity_hashes WHERE source_connection_id = $1`, sourceConnectionID)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "get entity hashes failed", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, airerr.Wrap(airerr.Transient, "scan entity hash row failed", err)
		}
		out[id] = hash
	}
	return out, rows.Err()
}

// CommitEntityHashes replaces the full hash set for sourceConnectionID in a
// delete-then-insert pair. The pair is atomic only when called through a
// WithTx tx; sync.Engine calls it on its plain store after a successful
// end-of-stream, so there a crash between the delete and the insert loses
// the hash set.
func (s *PostgresStore) CommitEntityHashes(ctx context.Context, sourceConnectionID uuid.UUID, hashes map[string]string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM entity_hashes WHERE source_connection_id = $1`, sourceConnectionID); err != nil {
		return airerr.Wrap(airerr.Transient, "clear entity hashes failed", err)
	}
	if len(hashes) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(hashes)*2+1)
	args = append(args, sourceConnectionID)
	query := `INSERT INTO entity_hashes (source_connection_id, entity_id, content_hash) VALUES `
	i := 0
	for entityID, hash := range hashes {
		if i > 0 {
			query += ", "
		}
		query += fmt.Sprintf("($1, $%d, $%d)", i*2+2, i*2+3)
		args = append(args, entityID, hash)
		i++
	}
	if _, err := s.q.Exec(ctx, query, args...); err != nil {
		return airerr.Wrap(airerr.Transient, "commit entity hashes failed", err)
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────

func isNoRows(err error) bool {
	return err == pgx.ErrNoRows
}

func wrapNotFound(err error, kind string, key interface{}) error {
	if isNoRows(err) {
		return airerr.New(airerr.NotFoundOrGone, fmt.Sprintf("metastore: %s %v not found", kind, key))
	}
	return airerr.Wrap(airerr.Transient, fmt.Sprintf("metastore: lookup %s %v failed", kind, key), err)
}

var _ contracts.MetadataStore = (*PostgresStore)(nil)
