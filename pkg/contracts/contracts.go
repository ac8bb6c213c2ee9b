// Package contracts defines the capability interfaces that sit at the
// boundary of the ingestion/search core (§6): everything the core consumes
// from the outside world (MetadataStore, VectorStore, embedding/LLM
// providers, auth brokers, the workflow runtime, pub/sub) and everything it
// exposes (connection CRUD, sync control, search). Concrete adapters live in
// internal/; callers depend on these interfaces so the core never imports an
// adapter package directly.
package contracts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// ── MetadataStore ────────────────────────────────────────────

// MetadataStore is the relational store behind Organization, Collection,
// SourceConnection, Sync, SyncJob, Cursor, Usage, and BillingPeriod. It MUST
// support transactions and row-level locking for the scheduler's "no
// concurrent non-terminal job" check.
type MetadataStore interface {
	OrganizationStore
	CollectionStore
	SourceConnectionStore
	SyncStore
	SyncJobStore
	CursorStore
	UsageStore
	EntityHashStore

	// WithTx runs fn inside a transaction; fn's MetadataStore argument reads
	// and writes are snapshot-consistent for the duration of the call.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx MetadataStore) error) error

	Close() error
}

type OrganizationStore interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

type CollectionStore interface {
	GetCollection(ctx context.Context, id uuid.UUID) (*models.Collection, error)
	GetCollectionByReadableID(ctx context.Context, readableID string) (*models.Collection, error)
	DeleteCollection(ctx context.Context, id uuid.UUID) error
}

type SourceConnectionStore interface {
	GetSourceConnection(ctx context.Context, id uuid.UUID) (*models.SourceConnection, error)
	GetSourceConnectionBySyncID(ctx context.Context, syncID uuid.UUID) (*models.SourceConnection, error)
	UpdateSourceConnection(ctx context.Context, c *models.SourceConnection) error
}

type SyncStore interface {
	GetSync(ctx context.Context, id uuid.UUID) (*models.Sync, error)
	GetSyncDag(ctx context.Context, syncID uuid.UUID) (*models.SyncDag, error)
	ListActiveSyncsWithSchedule(ctx context.Context) ([]models.Sync, error)
	UpdateNextScheduledRun(ctx context.Context, syncID uuid.UUID, next time.Time) error
	// LockForScheduling acquires a row lock on sync for the duration of the
	// enclosing transaction (SELECT ... FOR UPDATE semantics, §6).
	LockForScheduling(ctx context.Context, syncID uuid.UUID) error
}

type SyncJobStore interface {
	GetLatestSyncJob(ctx context.Context, syncID uuid.UUID) (*models.SyncJob, error)
	CreateSyncJob(ctx context.Context, job *models.SyncJob) error
	UpdateSyncJob(ctx context.Context, job *models.SyncJob) error
	ListSyncJobs(ctx context.Context, syncID uuid.UUID, limit int) ([]models.SyncJob, error)
}

type CursorStore interface {
	GetCursor(ctx context.Context, sourceConnectionID uuid.UUID) (*models.Cursor, error)
	// CommitCursor atomically replaces the cursor. Only called after a
	// successful end-of-stream (§4.5, §8 round-trip laws).
	CommitCursor(ctx context.Context, cursor models.Cursor) error
}

type UsageStore interface {
	GetUsage(ctx context.Context, orgID, billingPeriodID uuid.UUID) (*models.Usage, error)
	GetBillingPeriod(ctx context.Context, orgID uuid.UUID) (*models.BillingPeriod, error)
	// IncrementUsage applies a signed delta atomically and returns the
	// resulting row, used by QuotaGuard to refresh its in-memory snapshot
	// after a threshold flush.
	IncrementUsage(ctx context.Context, orgID, billingPeriodID uuid.UUID, action models.UsageAction, delta int64) (*models.Usage, error)
}

// EntityHashStore backs the SyncEngine's insert/update/skip/delete diffing
// (§4.5): one content hash per caller-chosen key (SyncEngine uses one key
// per entity id and chunk index), scoped to a source connection's last
// successful run.
type EntityHashStore interface {
	GetEntityHashes(ctx context.Context, sourceConnectionID uuid.UUID) (map[string]string, error)
	// CommitEntityHashes atomically replaces the stored hash set, called only
	// after a successful end-of-stream (§4.5).
	CommitEntityHashes(ctx context.Context, sourceConnectionID uuid.UUID, hashes map[string]string) error
}

// ── VectorStore ──────────────────────────────────────────────

// Point is a single vector-store record.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Sparse  *models.SparseVector
	Payload map[string]interface{}
}

// SearchResult is a Point scored against a query. Per §6, Vector, sparse
// encodings, DownloadURL, Checksum, and EmbeddableText MUST be stripped
// before this leaves the core to a caller (EmbeddableText is retained
// internally for the completion stage and stripped only at the external
// response boundary).
type SearchResult struct {
	ID             uuid.UUID
	Score          float32
	Payload        map[string]interface{}
	EmbeddableText string
}

// DecayConfig configures the optional time-decay modulation applied by the
// destination during search (§4.8).
type DecayConfig struct {
	DatetimeField string
	Weight        float64 // w in final = sim * ((1-w) + w*decay(age))
}

type SearchQuery struct {
	Vector    []float32
	Sparse    *models.SparseVector
	Filter    map[string]interface{}
	Limit     int
	Offset    int
	Threshold float32
	Decay     *DecayConfig
}

// VectorStore is the per-collection-namespace capability named in §6.
type VectorStore interface {
	Upsert(ctx context.Context, namespace string, points []Point) error
	Delete(ctx context.Context, namespace string, ids []uuid.UUID, filter map[string]interface{}) error
	Search(ctx context.Context, namespace string, q SearchQuery) ([]SearchResult, error)
	BulkSearch(ctx context.Context, namespace string, queries []SearchQuery) ([][]SearchResult, error)
	DeleteCollection(ctx context.Context, namespace string) error
	// NamespaceExists supports the orphan-detection invariant on collection
	// deletion (§3, §8 scenario 6).
	NamespaceExists(ctx context.Context, namespace string) (bool, error)
}

// ── Embedding / LLM / Sparse capabilities ────────────────────

type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

type SparseEncoder interface {
	Encode(ctx context.Context, text string) (*models.SparseVector, error)
}

type ChatMessage struct {
	Role    string
	Content string
}

// CompletionDelta is one streamed fragment of an LLM response.
type CompletionDelta struct {
	Text string
	Done bool
	Err  error
}

type LLMProvider interface {
	Complete(ctx context.Context, messages []ChatMessage, maxTokens int) (string, error)
	// StreamComplete returns a channel of deltas; the channel is closed
	// after a delta with Done=true or Err != nil.
	StreamComplete(ctx context.Context, messages []ChatMessage, maxTokens int) (<-chan CompletionDelta, error)
}

// ── AuthProvider ─────────────────────────────────────────────

// AuthResult is either Direct credentials injected into the connector, or
// Proxy routing info when the provider refuses to disclose raw credentials
// (§6). Exactly one of Direct/Proxy is non-nil.
type AuthResult struct {
	Direct map[string]string
	Proxy  *ProxyResult
}

// ProxyResult carries the base URL and header the connector must use to
// route API calls through the provider's proxy, grounded on
// platform/auth_providers/pipedream.py's proxy-mode response shape.
type ProxyResult struct {
	BaseURL string
	Header  map[string]string
}

type AuthProvider interface {
	Name() string
	Resolve(ctx context.Context, sourceShortName string, fields map[string]interface{}) (*AuthResult, error)
}

// ── WorkflowRuntime ──────────────────────────────────────────

// RunSourceConnectionRequest bundles everything a durable task runner needs
// to execute one sync job (§6).
type RunSourceConnectionRequest struct {
	Sync              models.Sync
	SyncJob           models.SyncJob
	SyncDag           models.SyncDag
	Collection        models.Collection
	SourceConnection  models.SourceConnection
	AccessToken       string
}

// WorkflowRuntime is the optional durable task runner; when absent the core
// runs the sync in-process (§4.6, §6).
type WorkflowRuntime interface {
	RunSourceConnection(ctx context.Context, req RunSourceConnectionRequest) error
}

// ── PubSub ───────────────────────────────────────────────────

type PubSub interface {
	Subscribe(jobID uuid.UUID) (<-chan models.SyncJobUpdate, func())
	Publish(jobID uuid.UUID, update models.SyncJobUpdate)
}

// ── QuotaGuard ───────────────────────────────────────────────

type QuotaGuard interface {
	Allowed(ctx context.Context, orgID uuid.UUID, action models.UsageAction, n int64) error
	Increment(ctx context.Context, orgID uuid.UUID, action models.UsageAction, n int64) error
	Decrement(ctx context.Context, orgID uuid.UUID, action models.UsageAction, n int64) error
	FlushAll(ctx context.Context, orgID uuid.UUID) error
}

// ── TokenManager ─────────────────────────────────────────────

type TokenManager interface {
	Current(ctx context.Context) (string, error)
	RefreshOnUnauthorized(ctx context.Context) (string, error)
}
