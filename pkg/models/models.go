// Package models holds the durable domain types shared across the ingestion
// and search core: organizations, collections, source connections, syncs and
// their jobs, the entity/DAG schema, cursors, and usage counters.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ── Organization ─────────────────────────────────────────────

// BillingPeriodStatus gates which actions QuotaGuard admits regardless of
// numeric usage.
type BillingPeriodStatus string

const (
	BillingActive      BillingPeriodStatus = "active"
	BillingTrial       BillingPeriodStatus = "trial"
	BillingGrace       BillingPeriodStatus = "grace"
	BillingEndedUnpaid BillingPeriodStatus = "ended_unpaid"
	BillingCompleted   BillingPeriodStatus = "completed"
)

type Organization struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`

	// IsLegacy organizations predate billing enforcement; QuotaGuard still
	// logs and counts usage for them but never blocks admission.
	IsLegacy bool `json:"is_legacy" db:"is_legacy"`

	BillingPeriodID     uuid.UUID           `json:"billing_period_id" db:"billing_period_id"`
	BillingPeriodStatus BillingPeriodStatus `json:"billing_period_status" db:"billing_period_status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ── Collection ───────────────────────────────────────────────

type Collection struct {
	ID           uuid.UUID `json:"id" db:"id"`
	ReadableID   string    `json:"readable_id" db:"readable_id"`
	Name         string    `json:"name" db:"name"`
	OrganizationID uuid.UUID `json:"organization_id" db:"organization_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// VectorNamespace is the name of the VectorStore namespace bound to this
// collection — always equal to the collection's UUID (see §6 persistent
// state layout).
func (c Collection) VectorNamespace() string {
	return c.ID.String()
}

// ── SourceConnection ─────────────────────────────────────────

// AuthVariant is the authentication mechanism a SourceConnection was created
// with. Exactly one variant applies per connection.
type AuthVariant string

const (
	AuthDirect       AuthVariant = "direct"
	AuthOAuthBrowser AuthVariant = "oauth_browser"
	AuthOAuthToken   AuthVariant = "oauth_token"
	AuthProviderAuth AuthVariant = "auth_provider"
)

type ConnectionStatus string

const (
	ConnectionPendingAuth ConnectionStatus = "pending_auth"
	ConnectionActive      ConnectionStatus = "active"
	ConnectionDegraded    ConnectionStatus = "degraded"
	ConnectionDeleted     ConnectionStatus = "deleted"
)

// SourceConnection binds a source kind, credentials, and an optional cron
// schedule to a target collection within an organization.
type SourceConnection struct {
	ID             uuid.UUID        `json:"id" db:"id"`
	OrganizationID uuid.UUID        `json:"organization_id" db:"organization_id"`
	SourceShortName string          `json:"source_short_name" db:"source_short_name"`
	CollectionID   uuid.UUID        `json:"collection_id" db:"collection_id"`

	AuthVariant AuthVariant      `json:"auth_variant" db:"auth_variant"`
	Status      ConnectionStatus `json:"status" db:"status"`

	// DirectCredentials holds encrypted static fields for AuthDirect.
	DirectCredentials map[string]string `json:"direct_credentials,omitempty"`
	// OAuthAccessToken/RefreshToken back AuthOAuthToken and the materialized
	// state of an AuthOAuthBrowser connection once callback completes.
	OAuthAccessToken  string `json:"-"`
	OAuthRefreshToken string `json:"-"`
	// AuthProviderName/Config identify the broker for AuthProviderAuth.
	AuthProviderName   string                 `json:"auth_provider_name,omitempty"`
	AuthProviderConfig map[string]interface{} `json:"auth_provider_config,omitempty"`

	// TemplateConfigFields are source-declared fields (e.g. a subdomain)
	// that must be present before an OAuth URL can be generated.
	TemplateConfigFields map[string]string `json:"template_config_fields,omitempty"`

	// CronSchedule, when set, makes this connection's Sync periodic.
	CronSchedule string `json:"cron_schedule,omitempty" db:"cron_schedule"`
	// CursorFieldSpec names the stream field used for incremental cursors.
	CursorFieldSpec string `json:"cursor_field_spec,omitempty" db:"cursor_field_spec"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ── Sync & SyncJob ───────────────────────────────────────────

type SyncStatus string

const (
	SyncStatusActive   SyncStatus = "active"
	SyncStatusInactive SyncStatus = "inactive"
	SyncStatusDeleted  SyncStatus = "deleted"
)

// Sync is the durable plan: a source connection, a compiled DAG, and a cron
// schedule. next_scheduled_run is kept naive UTC to match the scheduler's
// comparison arithmetic.
type Sync struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	OrganizationID     uuid.UUID  `json:"organization_id" db:"organization_id"`
	Name               string     `json:"name" db:"name"`
	SourceConnectionID uuid.UUID  `json:"source_connection_id" db:"source_connection_id"`
	SyncDagID          uuid.UUID  `json:"sync_dag_id" db:"sync_dag_id"`
	CronSchedule       string     `json:"cron_schedule,omitempty" db:"cron_schedule"`
	Status             SyncStatus `json:"status" db:"status"`
	NextScheduledRun   *time.Time `json:"next_scheduled_run,omitempty" db:"next_scheduled_run"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

type SyncJobStatus string

const (
	SyncJobPending    SyncJobStatus = "pending"
	SyncJobInProgress SyncJobStatus = "in_progress"
	SyncJobCompleted  SyncJobStatus = "completed"
	SyncJobFailed     SyncJobStatus = "failed"
	SyncJobCancelled  SyncJobStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer transition.
func (s SyncJobStatus) IsTerminal() bool {
	return s == SyncJobCompleted || s == SyncJobFailed || s == SyncJobCancelled
}

// SyncJobCounters tracks the per-job entity accounting named in §3/§8.
type SyncJobCounters struct {
	EntitiesProcessed int64 `json:"entities_processed"`
	Inserted          int64 `json:"inserted"`
	Updated           int64 `json:"updated"`
	Skipped           int64 `json:"skipped"`
	Deleted           int64 `json:"deleted"`
	Failed            int64 `json:"failed"`
}

type SyncJob struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	SyncID     uuid.UUID       `json:"sync_id" db:"sync_id"`
	Status     SyncJobStatus   `json:"status" db:"status"`
	Counters   SyncJobCounters `json:"counters"`
	ErrorMsg   string          `json:"error_msg,omitempty" db:"error_msg"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
}

// ── SyncDag ──────────────────────────────────────────────────

type DagNodeKind string

const (
	NodeSource      DagNodeKind = "source"
	NodeEntity      DagNodeKind = "entity"
	NodeTransformer DagNodeKind = "transformer"
	NodeDestination DagNodeKind = "destination"
)

type DagNode struct {
	ID                uuid.UUID   `json:"id"`
	Kind              DagNodeKind `json:"kind"`
	Name              string      `json:"name"`
	EntityDefinitionID uuid.UUID  `json:"entity_definition_id,omitempty"`
	TransformerName   string      `json:"transformer_name,omitempty"`
	DestinationName   string      `json:"destination_name,omitempty"`
}

type DagEdge struct {
	FromNodeID uuid.UUID `json:"from_node_id"`
	ToNodeID   uuid.UUID `json:"to_node_id"`
}

type SyncDag struct {
	ID     uuid.UUID `json:"id" db:"id"`
	SyncID uuid.UUID `json:"sync_id" db:"sync_id"`
	Nodes  []DagNode `json:"nodes"`
	Edges  []DagEdge `json:"edges"`
}

// ── EntityDefinition ─────────────────────────────────────────

// Reserved entity-definition ids used by the polymorphic fallback resolution
// in DAGRouter (§4.3, §9 Design Notes).
var (
	PolymorphicTableEntityDefinitionID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	ParentEntityDefinitionID           = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	ChunkEntityDefinitionID            = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

type EntityDefinition struct {
	ID         uuid.UUID              `json:"id" db:"id"`
	Name       string                 `json:"name" db:"name"`
	Module     string                 `json:"module" db:"module"`
	ClassTag   string                 `json:"class_tag" db:"class_tag"`
	JSONSchema map[string]interface{} `json:"json_schema"`
}

// ── Entity ───────────────────────────────────────────────────

type Breadcrumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// EntityKind distinguishes the subtype variants named in §3 so the router
// and transformers can branch on it without type assertions on every call
// site.
type EntityKind string

const (
	KindChunk       EntityKind = "chunk"
	KindFile        EntityKind = "file"
	KindCodeFile    EntityKind = "code_file"
	KindPolymorphic EntityKind = "polymorphic"
)

// Entity is the value produced by a connector or transformer. Payload and
// Vector/Sparse are filled in progressively as the entity moves through the
// DAG: connectors set Payload, transformers may split it, the embedder sets
// Vector/Sparse.
type Entity struct {
	EntityID           string                 `json:"entity_id"`
	EntityDefinitionID uuid.UUID              `json:"entity_definition_id"`
	Kind               EntityKind             `json:"kind"`
	Breadcrumbs        []Breadcrumb           `json:"breadcrumbs"`
	Payload            map[string]interface{} `json:"payload"`
	EmbeddableText     string                 `json:"embeddable_text,omitempty"`

	// Chunk bookkeeping, set by transformers that split an entity.
	ChunkIndex int `json:"chunk_index,omitempty"`
	ChunkCount int `json:"chunk_count,omitempty"`

	// FileEntity fields.
	DownloadURL    string            `json:"download_url,omitempty"`
	DownloadHeaders map[string]string `json:"download_headers,omitempty"`
	Checksum       string            `json:"checksum,omitempty"`
	MimeType       string            `json:"mime_type,omitempty"`
	contentBytes   []byte

	// CodeFileEntity fields.
	Language  string `json:"language,omitempty"`
	LineStart int    `json:"line_start,omitempty"`
	LineEnd   int    `json:"line_end,omitempty"`

	// PolymorphicEntity fields: a table-row carried as a tagged variant
	// rather than a runtime-generated type (§9 Design Notes).
	TableSchema string                 `json:"table_schema,omitempty"`
	TableName   string                 `json:"table_name,omitempty"`
	Columns     []string               `json:"columns,omitempty"`
	PrimaryKeys []string               `json:"primary_keys,omitempty"`
	Row         map[string]interface{} `json:"row,omitempty"`

	Vector []float32          `json:"-"`
	Sparse *SparseVector      `json:"-"`
}

// SparseVector is a BM25-style sparse encoding: parallel index/value pairs.
type SparseVector struct {
	Indices []uint32
	Values  []float32
}

// SetContent attaches materialized bytes to a FileEntity; only the connector
// framework calls this, never the connector itself (§4.2).
func (e *Entity) SetContent(b []byte) { e.contentBytes = b }

// Content returns the materialized bytes for a FileEntity, if any.
func (e *Entity) Content() []byte { return e.contentBytes }

// PointID is the deterministic destination address for a chunk of this
// entity: hash(collection_id, entity_id, chunk_index).
func PointID(collectionID uuid.UUID, entityID string, chunkIndex int) uuid.UUID {
	name := collectionID.String() + "/" + entityID + "/" + itoa(chunkIndex)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// ── Cursor ───────────────────────────────────────────────────

// Cursor is a per-sync, per-stream watermark. Values are JSON-safe scalars
// (an ISO timestamp string or a monotonically increasing id, typically).
type Cursor struct {
	SourceConnectionID uuid.UUID              `json:"source_connection_id" db:"source_connection_id"`
	Values             map[string]interface{} `json:"values"`
	UpdatedAt          time.Time              `json:"updated_at" db:"updated_at"`
}

// ── Usage & BillingPeriod ────────────────────────────────────

type UsageAction string

const (
	ActionEntities          UsageAction = "entities"
	ActionQueries           UsageAction = "queries"
	ActionSourceConnections UsageAction = "source_connections"
	ActionTeamMembers       UsageAction = "team_members"
)

// Usage is the per-billing-period counters. TeamMembers is never persisted
// here — it's derived live from the org's member list.
type Usage struct {
	OrganizationID    uuid.UUID `json:"organization_id" db:"organization_id"`
	BillingPeriodID   uuid.UUID `json:"billing_period_id" db:"billing_period_id"`
	Entities          int64     `json:"entities" db:"entities"`
	Queries           int64     `json:"queries" db:"queries"`
	SourceConnections int64     `json:"source_connections" db:"source_connections"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

type Limits struct {
	MaxEntities          int64
	MaxQueries           int64
	MaxSourceConnections int64
	MaxTeamMembers       int64
}

type BillingPeriod struct {
	ID             uuid.UUID                `json:"id" db:"id"`
	OrganizationID uuid.UUID                `json:"organization_id" db:"organization_id"`
	Status         BillingPeriodStatus      `json:"status" db:"status"`
	Limits         Limits                   `json:"limits"`
	PeriodStart    time.Time                `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time                `json:"period_end" db:"period_end"`
}

// ── SyncJobUpdate (PubSub payload) ───────────────────────────

type SyncJobUpdate struct {
	JobID     uuid.UUID       `json:"job_id"`
	Status    SyncJobStatus   `json:"status"`
	Counters  SyncJobCounters `json:"counters"`
	Message   string          `json:"message,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
