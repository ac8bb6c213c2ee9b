// Package vectorstore implements the VectorStore capability of §6 behind a
// registry of interchangeable backends. PgvectorStore is the primary
// adapter; MilvusStore is a secondary backend exercising the same
// interface (see milvus.go).
//
// Grounded on the teacher's internal/vectorstore/pgvector.go (pgxpool
// connection, ON CONFLICT upsert, cosine-distance ORDER BY), generalized
// from its single-vector-column schema to the namespace/payload/dense/
// sparse shape contracts.VectorStore requires.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// PgvectorStore implements contracts.VectorStore using PostgreSQL with the
// pgvector extension. One physical table, partitioned logically by
// namespace (a column, indexed), matching §3's "collection -> vector
// namespace" mapping.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "pgvector connect failed", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, airerr.Wrap(airerr.Transient, "pgvector ping failed", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "pgvector migrate failed", err)
	}
	log.Info().Int("dims", dimensions).Msg("pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS entity_points (
			id            UUID NOT NULL,
			namespace     TEXT NOT NULL,
			payload       JSONB NOT NULL DEFAULT '{}',
			sparse_idx    INTEGER[] NOT NULL DEFAULT '{}',
			sparse_val    REAL[] NOT NULL DEFAULT '{}',
			vector        vector(%d) NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (namespace, id)
		);

		CREATE INDEX IF NOT EXISTS idx_entity_points_namespace ON entity_points (namespace);
	`, s.dimensions)
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Upsert(ctx context.Context, namespace string, points []contracts.Point) error {
	if len(points) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO entity_points (id, namespace, payload, sparse_idx, sparse_val, vector, updated_at) VALUES `)
	args := make([]interface{}, 0, len(points)*7)
	now := time.Now()

	for i, p := range points {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*7 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5, base+6))

		payload, _ := json.Marshal(p.Payload)
		var sidx []int32
		var sval []float32
		if p.Sparse != nil {
			for _, i := range p.Sparse.Indices {
				sidx = append(sidx, int32(i))
			}
			sval = p.Sparse.Values
		}
		args = append(args, p.ID, namespace, payload, sidx, sval, pgvectorArray(p.Vector), now)
	}

	sb.WriteString(` ON CONFLICT (namespace, id) DO UPDATE SET
		payload = EXCLUDED.payload, sparse_idx = EXCLUDED.sparse_idx,
		sparse_val = EXCLUDED.sparse_val, vector = EXCLUDED.vector, updated_at = EXCLUDED.updated_at`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "pgvector upsert failed", err)
	}
	return nil
}

func (s *PgvectorStore) Delete(ctx context.Context, namespace string, ids []uuid.UUID, filter map[string]interface{}) error {
	if len(ids) > 0 {
		_, err := s.pool.Exec(ctx, `DELETE FROM entity_points WHERE namespace = $1 AND id = ANY($2)`, namespace, ids)
		if err != nil {
			return airerr.Wrap(airerr.Transient, "pgvector delete by id failed", err)
		}
		return nil
	}
	if len(filter) > 0 {
		where, args := filterClause(filter, 2)
		_, err := s.pool.Exec(ctx, `DELETE FROM entity_points WHERE namespace = $1 AND `+where, append([]interface{}{namespace}, args...)...)
		if err != nil {
			return airerr.Wrap(airerr.Transient, "pgvector delete by filter failed", err)
		}
	}
	return nil
}

// Search runs dense cosine-similarity ANN, optionally blends in the sparse
// query via an in-process dot product over the fetched candidates (pgvector
// has no native sparse index), and applies §4.8's time-decay modulation
// before truncating to Limit.
func (s *PgvectorStore) Search(ctx context.Context, namespace string, q contracts.SearchQuery) ([]contracts.SearchResult, error) {
	fetch := q.Limit
	if fetch <= 0 {
		fetch = 10
	}
	if q.Decay != nil || q.Sparse != nil {
		fetch = fetch * 3 // overfetch so re-ranking has room to reorder
	}

	query := `SELECT id, payload, sparse_idx, sparse_val, updated_at, 1 - (vector <=> $1) AS score
		FROM entity_points WHERE namespace = $2`
	args := []interface{}{pgvectorArray(q.Vector), namespace}
	argIdx := 3

	if len(q.Filter) > 0 {
		where, fargs := filterClause(q.Filter, argIdx)
		query += " AND " + where
		args = append(args, fargs...)
		argIdx += len(fargs)
	}

	query += fmt.Sprintf(" ORDER BY vector <=> $1 LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, fetch, q.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "pgvector search failed", err)
	}
	defer rows.Close()

	type candidate struct {
		id      uuid.UUID
		payload map[string]interface{}
		score   float32
		decayAt time.Time
		hasTime bool
	}

	var candidates []candidate
	for rows.Next() {
		var id uuid.UUID
		var payloadRaw []byte
		var sidx []int32
		var sval []float32
		var updatedAt time.Time
		var score float32
		if err := rows.Scan(&id, &payloadRaw, &sidx, &sval, &updatedAt, &score); err != nil {
			return nil, airerr.Wrap(airerr.Transient, "pgvector row scan failed", err)
		}
		var payload map[string]interface{}
		_ = json.Unmarshal(payloadRaw, &payload)

		if q.Sparse != nil && len(sidx) > 0 {
			sparseScore := sparseDot(q.Sparse, sidx, sval)
			score = score*0.5 + sparseScore*0.5
		}

		c := candidate{id: id, payload: payload, score: score}
		if q.Decay != nil {
			if ts, ok := parseTime(payload[q.Decay.DatetimeField]); ok {
				c.decayAt, c.hasTime = ts, true
			}
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []contracts.SearchResult
	if q.Decay != nil {
		var oldest, newest time.Time
		for _, c := range candidates {
			if !c.hasTime {
				continue
			}
			if oldest.IsZero() || c.decayAt.Before(oldest) {
				oldest = c.decayAt
			}
			if newest.IsZero() || c.decayAt.After(newest) {
				newest = c.decayAt
			}
		}
		for i, c := range candidates {
			if c.hasTime {
				candidates[i].score = applyDecay(c.score, c.decayAt, oldest, newest, *q.Decay)
			}
		}
	}

	for _, c := range candidates {
		if c.score < q.Threshold {
			continue
		}
		out = append(out, contracts.SearchResult{ID: c.id, Score: c.score, Payload: c.payload, EmbeddableText: embeddableTextOf(c.payload)})
	}

	sortByScoreDesc(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, rows.Err()
}

// BulkSearch runs Search once per query. Namespace's vector column is
// shared, so each query independently issues its own ANN lookup; merging
// max-score-per-entity_id across queries is the caller's (SearchPipeline's)
// responsibility, matching §4.8's multi-query semantics.
func (s *PgvectorStore) BulkSearch(ctx context.Context, namespace string, queries []contracts.SearchQuery) ([][]contracts.SearchResult, error) {
	out := make([][]contracts.SearchResult, len(queries))
	for i, q := range queries {
		r, err := s.Search(ctx, namespace, q)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func (s *PgvectorStore) DeleteCollection(ctx context.Context, namespace string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM entity_points WHERE namespace = $1`, namespace)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "pgvector delete collection failed", err)
	}
	return nil
}

func (s *PgvectorStore) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM entity_points WHERE namespace = $1 LIMIT 1)`, namespace).Scan(&exists)
	if err != nil {
		return false, airerr.Wrap(airerr.Transient, "pgvector namespace check failed", err)
	}
	return exists, nil
}

func (s *PgvectorStore) Close() { s.pool.Close() }

func pgvectorArray(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}

func filterClause(filter map[string]interface{}, startIdx int) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	idx := startIdx
	for k, v := range filter {
		clauses = append(clauses, fmt.Sprintf("payload->>%s = $%d", pgQuote(k), idx))
		args = append(args, fmt.Sprintf("%v", v))
		idx++
	}
	return strings.Join(clauses, " AND "), args
}

func pgQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func sparseDot(q *models.SparseVector, idx []int32, val []float32) float32 {
	dense := make(map[uint32]float32, len(idx))
	for i, ix := range idx {
		dense[uint32(ix)] = val[i]
	}
	var sum float32
	for i, ix := range q.Indices {
		sum += q.Values[i] * dense[ix]
	}
	return sum
}

// applyDecay implements §4.8: final = sim * ((1-w) + w*decay(age)). decay is
// linear over the candidate set's own [oldest, newest] span of
// cfg.DatetimeField, decay=1 at newest and decay=0 at oldest, matching the
// reference estimated_decay = max(0, 1 - age_seconds/span_seconds) (see
// original_source's vector_search.py). A zero-width span (every candidate
// shares one timestamp, or only one candidate carries the field) has no
// meaningful age to decay against, so it is treated as no decay (decay=1).
func applyDecay(sim float32, ts, oldest, newest time.Time, cfg contracts.DecayConfig) float32 {
	span := newest.Sub(oldest).Seconds()
	var decay float32 = 1
	if span > 0 {
		age := newest.Sub(ts).Seconds()
		d := 1 - age/span
		if d < 0 {
			d = 0
		}
		decay = float32(d)
	}
	w := float32(cfg.Weight)
	return sim * ((1 - w) + w*decay)
}

func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
	case time.Time:
		return t, true
	}
	return time.Time{}, false
}

// embeddableTextOf recovers the embeddable_text field a point's payload
// carries, so contracts.SearchResult can keep it accessible to the
// completion stage (§6) without the caller re-parsing the raw payload.
func embeddableTextOf(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload["embeddable_text"].(string); ok {
		return s
	}
	return ""
}

func sortByScoreDesc(results []contracts.SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}
