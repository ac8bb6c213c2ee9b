// Package sync implements SyncEngine (spec §4.5): one instance per SyncJob,
// driving a connector's stream through the DAGRouter into VectorStore
// upserts, with content-hash diffing, periodic progress publication, and
// QuotaGuard accounting.
//
// Grounded on the teacher's internal/rag/pipeline.go (single-source,
// single-destination run loop) generalized to the router-mediated,
// multi-destination shape the DAG requires, and internal/process.Manager's
// bounded-worker/cancellation pattern reused here for the upsert pool.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/internal/connector"
	"github.com/airweave-sub003/ingestion-core/internal/metrics"
	"github.com/airweave-sub003/ingestion-core/internal/router"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// Deps bundles every capability the engine needs for one job, resolved once
// at construction time by the caller (scheduler or workflow runtime).
type Deps struct {
	Store       contracts.MetadataStore
	VectorStore contracts.VectorStore
	Quota       contracts.QuotaGuard
	PubSub      contracts.PubSub
	Source      connector.Source
	Router      *router.Router
	Logger      zerolog.Logger

	UpsertBatchSize     int
	UpsertConcurrency   int
	ProgressInterval    time.Duration

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Collector
}

// Engine runs exactly one SyncJob to completion.
type Engine struct {
	deps Deps

	sync      models.Sync
	job       models.SyncJob
	dag       models.SyncDag
	conn      models.SourceConnection
	coll      models.Collection
	cursor    models.Cursor

	counters   models.SyncJobCounters
	countersMu sync.Mutex

	// priorHashes/newHashes are keyed per chunk point (hashKey(entityID,
	// chunkIndex)), not per entity: a chunked FileEntity/CodeFileEntity
	// shares one EntityID across many terminal points, one per ChunkIndex,
	// and each needs its own insert/update/skip verdict and its own
	// tombstone when that index stops being emitted.
	priorHashes map[string]string
	newHashes   map[string]string
	hashesMu    sync.Mutex

	startedAt time.Time
}

func New(deps Deps, sy models.Sync, job models.SyncJob, dag models.SyncDag, conn models.SourceConnection, coll models.Collection, cursor models.Cursor) *Engine {
	if deps.UpsertBatchSize <= 0 {
		deps.UpsertBatchSize = 64
	}
	if deps.UpsertConcurrency <= 0 {
		deps.UpsertConcurrency = 4
	}
	if deps.ProgressInterval <= 0 {
		deps.ProgressInterval = 2 * time.Second
	}
	return &Engine{
		deps:      deps,
		sync:      sy,
		job:       job,
		dag:       dag,
		conn:      conn,
		coll:      coll,
		cursor:    cursor,
		newHashes: make(map[string]string),
	}
}

// sourceNodeID locates the DAG's single source node, the producer id used
// for the router's first-hop lookup.
func (e *Engine) sourceNodeID() uuid.UUID {
	for _, n := range e.dag.Nodes {
		if n.Kind == models.NodeSource {
			return n.ID
		}
	}
	return uuid.Nil
}

// Run executes the full lifecycle of §4.5. ctx cancellation drives the
// "cancel" path: the producer is stopped, in-flight work drains, the job is
// marked cancelled, and the cursor is not advanced.
func (e *Engine) Run(ctx context.Context) error {
	logger := e.deps.Logger.With().Str("sync_job_id", e.job.ID.String()).Logger()
	e.startedAt = time.Now()

	if err := e.deps.Router.WarmCache(ctx); err != nil {
		return e.fail(ctx, err)
	}

	hashes, err := e.deps.Store.GetEntityHashes(ctx, e.conn.ID)
	if err != nil {
		return e.fail(ctx, err)
	}
	e.priorHashes = hashes

	items, err := e.deps.Source.Stream(ctx, e.cursor)
	if err != nil {
		return e.fail(ctx, err)
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	var progressWG sync.WaitGroup
	progressWG.Add(1)
	go e.publishProgress(progressCtx, &progressWG)

	sink := &upsertSink{engine: e, namespace: e.coll.VectorNamespace()}
	runErr := e.drain(ctx, items, sink)

	stopProgress()
	progressWG.Wait()

	if runErr != nil {
		if ctx.Err() != nil {
			return e.cancel(context.Background())
		}
		return e.fail(context.Background(), runErr)
	}

	if err := sink.flush(ctx); err != nil {
		return e.fail(context.Background(), err)
	}

	if err := e.applyDeletes(ctx); err != nil {
		return e.fail(context.Background(), err)
	}

	if err := e.deps.Store.CommitEntityHashes(ctx, e.conn.ID, e.newHashes); err != nil {
		return e.fail(context.Background(), err)
	}
	if err := e.deps.Store.CommitCursor(ctx, e.cursor); err != nil {
		return e.fail(context.Background(), err)
	}
	if err := e.deps.Quota.FlushAll(ctx, e.sync.OrganizationID); err != nil {
		logger.Warn().Err(err).Msg("quota flush failed after successful job")
	}

	return e.succeed(ctx)
}

// drain fans items out to deps.UpsertConcurrency workers, each pushing
// entities through the router and into sink. Router is documented safe for
// concurrent callers once its cache is warmed (§4.3, §5); sink and the
// engine's shared hash/seen maps take their own locks.
func (e *Engine) drain(ctx context.Context, items <-chan connector.StreamItem, sink *upsertSink) error {
	producerID := e.sourceNodeID()

	errCh := make(chan error, e.deps.UpsertConcurrency)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case item, ok := <-items:
				if !ok {
					return
				}
				if item.Err != nil {
					e.incr(func(c *models.SyncJobCounters) { c.Failed++ })
					continue
				}

				if err := e.deps.Router.Process(ctx, producerID, item.Entity, sink); err != nil {
					errCh <- err
					return
				}
			}
		}
	}

	wg.Add(e.deps.UpsertConcurrency)
	for i := 0; i < e.deps.UpsertConcurrency; i++ {
		go worker()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// upsertSink batches terminal entities for VectorStore.Upsert and applies
// the insert/update/skip decision from §4.5.
type upsertSink struct {
	engine    *Engine
	namespace string

	mu    sync.Mutex
	batch []contracts.Point
}

// withSystemMetadata copies e.Payload and layers in the fields §6 requires
// every point carry: entity_id and breadcrumbs for cross-referencing back
// to the source, embeddable_text for the completion stage, and a
// source_name/synced_at system metadata block. Copying (not mutating
// e.Payload in place) keeps contentHash's view of the connector-supplied
// payload stable across reuploads.
func (s *upsertSink) withSystemMetadata(e models.Entity) map[string]interface{} {
	payload := make(map[string]interface{}, len(e.Payload)+4)
	for k, v := range e.Payload {
		payload[k] = v
	}
	payload["entity_id"] = e.EntityID
	payload["breadcrumbs"] = e.Breadcrumbs
	payload["embeddable_text"] = e.EmbeddableText
	payload["airweave_system_metadata"] = map[string]interface{}{
		"source_name": s.engine.conn.SourceShortName,
		"synced_at":   time.Now().UTC(),
	}
	return payload
}

func (s *upsertSink) Emit(ctx context.Context, e models.Entity) error {
	digest := contentHash(e.Payload)
	key := hashKey(e.EntityID, e.ChunkIndex)

	s.engine.hashesMu.Lock()
	prior, existed := s.engine.priorHashes[key]
	s.engine.newHashes[key] = digest
	s.engine.hashesMu.Unlock()

	if existed && prior == digest {
		s.engine.incr(func(c *models.SyncJobCounters) { c.Skipped++ })
		return nil
	}

	point := contracts.Point{
		ID:      models.PointID(s.engine.coll.ID, e.EntityID, e.ChunkIndex),
		Vector:  e.Vector,
		Sparse:  e.Sparse,
		Payload: s.withSystemMetadata(e),
	}

	s.mu.Lock()
	s.batch = append(s.batch, point)
	full := len(s.batch) >= s.engine.deps.UpsertBatchSize
	var toFlush []contracts.Point
	if full {
		toFlush = s.batch
		s.batch = nil
	}
	s.mu.Unlock()

	if existed {
		s.engine.incr(func(c *models.SyncJobCounters) { c.Updated++ })
	} else {
		s.engine.incr(func(c *models.SyncJobCounters) { c.Inserted++ })
	}
	s.engine.incr(func(c *models.SyncJobCounters) { c.EntitiesProcessed++ })

	if toFlush != nil {
		return s.engine.deps.VectorStore.Upsert(ctx, s.namespace, toFlush)
	}
	return nil
}

func (s *upsertSink) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return s.engine.deps.VectorStore.Upsert(ctx, s.namespace, batch)
}

// applyDeletes removes every chunk point present in the prior run's hash set
// but not re-confirmed by this run, per §4.5's "recorded for delete after the
// stream completes and succeeded". Diffing at (entity_id, chunk_index)
// granularity, rather than entity_id alone, is what makes this correct for
// chunked entities: an entity whose chunk count shrinks from the last run to
// this one (e.g. 3 chunks -> 1) drops exactly the now-absent higher indices
// instead of leaving them orphaned, and an entity that disappears entirely
// drops every one of its chunk points rather than just chunk 0.
func (e *Engine) applyDeletes(ctx context.Context) error {
	var stale []string
	for key := range e.priorHashes {
		if _, ok := e.newHashes[key]; !ok {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(stale))
	for _, key := range stale {
		entityID, chunkIndex, ok := parseHashKey(key)
		if !ok {
			continue
		}
		ids = append(ids, models.PointID(e.coll.ID, entityID, chunkIndex))
	}
	if err := e.deps.VectorStore.Delete(ctx, e.coll.VectorNamespace(), ids, nil); err != nil {
		return err
	}
	e.incr(func(c *models.SyncJobCounters) { c.Deleted += int64(len(ids)) })
	return nil
}

// hashKey/parseHashKey pack this run's per-entity/per-chunk-index diff key
// into the flat map[string]string contracts.EntityHashStore already
// persists, so the insert/update/skip/delete decision tracks every chunk
// point independently without a store schema change. \x1f (unit separator)
// is used over a printable separator like "#" because entity ids are
// connector-supplied and otherwise unconstrained.
const hashKeySep = "\x1f"

func hashKey(entityID string, chunkIndex int) string {
	return entityID + hashKeySep + strconv.Itoa(chunkIndex)
}

func parseHashKey(key string) (entityID string, chunkIndex int, ok bool) {
	i := strings.LastIndex(key, hashKeySep)
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(key[i+len(hashKeySep):])
	if err != nil {
		return "", 0, false
	}
	return key[:i], n, true
}

func (e *Engine) incr(fn func(c *models.SyncJobCounters)) {
	e.countersMu.Lock()
	fn(&e.counters)
	e.countersMu.Unlock()
}

func (e *Engine) snapshotCounters() models.SyncJobCounters {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	return e.counters
}

func (e *Engine) publishProgress(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(e.deps.ProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.deps.PubSub.Publish(e.job.ID, models.SyncJobUpdate{
				JobID:     e.job.ID,
				Status:    models.SyncJobInProgress,
				Counters:  e.snapshotCounters(),
				Timestamp: time.Now(),
			})
		}
	}
}

func (e *Engine) recordTerminal(status string) {
	e.deps.Metrics.RecordSyncJob(status, time.Since(e.startedAt))
	c := e.job.Counters
	e.deps.Metrics.RecordSyncEntities("inserted", c.Inserted)
	e.deps.Metrics.RecordSyncEntities("updated", c.Updated)
	e.deps.Metrics.RecordSyncEntities("skipped", c.Skipped)
	e.deps.Metrics.RecordSyncEntities("deleted", c.Deleted)
	e.deps.Metrics.RecordSyncEntities("failed", c.Failed)
}

func (e *Engine) succeed(ctx context.Context) error {
	e.job.Status = models.SyncJobCompleted
	e.job.Counters = e.snapshotCounters()
	if err := e.deps.Store.UpdateSyncJob(ctx, &e.job); err != nil {
		return err
	}
	e.recordTerminal(string(models.SyncJobCompleted))
	e.deps.PubSub.Publish(e.job.ID, models.SyncJobUpdate{
		JobID: e.job.ID, Status: models.SyncJobCompleted, Counters: e.job.Counters, Timestamp: time.Now(),
	})
	return nil
}

func (e *Engine) fail(ctx context.Context, cause error) error {
	e.job.Status = models.SyncJobFailed
	e.job.ErrorMsg = cause.Error()
	e.job.Counters = e.snapshotCounters()
	_ = e.deps.Store.UpdateSyncJob(ctx, &e.job)
	if err := e.deps.Quota.FlushAll(ctx, e.sync.OrganizationID); err != nil {
		e.deps.Logger.Warn().Err(err).Msg("quota flush failed after job failure")
	}
	e.recordTerminal(string(models.SyncJobFailed))
	e.deps.PubSub.Publish(e.job.ID, models.SyncJobUpdate{
		JobID: e.job.ID, Status: models.SyncJobFailed, Counters: e.job.Counters, Message: cause.Error(), Timestamp: time.Now(),
	})
	return cause
}

func (e *Engine) cancel(ctx context.Context) error {
	e.job.Status = models.SyncJobCancelled
	e.job.Counters = e.snapshotCounters()
	_ = e.deps.Store.UpdateSyncJob(ctx, &e.job)
	if err := e.deps.Quota.FlushAll(ctx, e.sync.OrganizationID); err != nil {
		e.deps.Logger.Warn().Err(err).Msg("quota flush failed after job cancellation")
	}
	e.recordTerminal(string(models.SyncJobCancelled))
	e.deps.PubSub.Publish(e.job.ID, models.SyncJobUpdate{
		JobID: e.job.ID, Status: models.SyncJobCancelled, Counters: e.job.Counters, Timestamp: time.Now(),
	})
	return airerr.New(airerr.Transient, "sync job cancelled")
}

// contentHash implements sha256(canonical(payload)): keys are sorted before
// marshaling so semantically identical payloads hash identically regardless
// of map iteration order.
func contentHash(payload map[string]interface{}) string {
	canonical := canonicalize(payload)
	b, _ := json.Marshal(canonical)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]canonicalEntry, 0, len(keys))
		for _, k := range keys {
			out = append(out, canonicalEntry{Key: k, Value: canonicalize(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

type canonicalEntry struct {
	Key   string      `json:"k"`
	Value interface{} `json:"v"`
}
