package vectorstore

import (
	"context"

	"github.com/google/uuid"
	milvusclient "github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// MilvusStore is a secondary contracts.VectorStore backend for deployments
// whose ANN scale outgrows pgvector's single-node index. Collections map
// 1:1 onto namespaces, matching §3's collection/namespace relationship.
//
// Grounded on rakunlabs-at's use of milvus-sdk-go/v2 (the only pack repo
// wiring Milvus), with the collection-per-namespace schema adapted from
// PgvectorStore's table-per-deployment shape.
type MilvusStore struct {
	client     milvusclient.Client
	dimensions int
}

func NewMilvusStore(ctx context.Context, addr string, dimensions int) (*MilvusStore, error) {
	c, err := milvusclient.NewGrpcClient(ctx, addr)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "milvus connect failed", err)
	}
	return &MilvusStore{client: c, dimensions: dimensions}, nil
}

func (s *MilvusStore) ensureCollection(ctx context.Context, namespace string) error {
	has, err := s.client.HasCollection(ctx, namespace)
	if err != nil {
		return airerr.Wrap(airerr.Transient, "milvus has-collection check failed", err)
	}
	if has {
		return nil
	}

	schema := &entity.Schema{
		CollectionName: namespace,
		Fields: []*entity.Field{
			{Name: "id", DataType: entity.FieldTypeVarChar, PrimaryKey: true, TypeParams: map[string]string{"max_length": "64"}},
			{Name: "vector", DataType: entity.FieldTypeFloatVector, TypeParams: map[string]string{"dim": itoaDims(s.dimensions)}},
		},
	}
	if err := s.client.CreateCollection(ctx, schema, 2); err != nil {
		return airerr.Wrap(airerr.Transient, "milvus create-collection failed", err)
	}
	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 128)
	if err != nil {
		return airerr.Wrap(airerr.InternalInvariantViolated, "milvus index construction failed", err)
	}
	if err := s.client.CreateIndex(ctx, namespace, "vector", idx, false); err != nil {
		return airerr.Wrap(airerr.Transient, "milvus create-index failed", err)
	}
	return s.client.LoadCollection(ctx, namespace, false)
}

func (s *MilvusStore) Upsert(ctx context.Context, namespace string, points []contracts.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, namespace); err != nil {
		return err
	}

	ids := make([]string, len(points))
	vectors := make([][]float32, len(points))
	for i, p := range points {
		ids[i] = p.ID.String()
		vectors[i] = p.Vector
	}

	idCol := entity.NewColumnVarChar("id", ids)
	vecCol := entity.NewColumnFloatVector("vector", s.dimensions, vectors)
	if _, err := s.client.Upsert(ctx, namespace, "", idCol, vecCol); err != nil {
		return airerr.Wrap(airerr.Transient, "milvus upsert failed", err)
	}
	return nil
}

func (s *MilvusStore) Delete(ctx context.Context, namespace string, ids []uuid.UUID, _ map[string]interface{}) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	expr := "id in [" + quoteJoin(strs) + "]"
	return wrapMilvusErr(s.client.Delete(ctx, namespace, "", expr))
}

func (s *MilvusStore) Search(ctx context.Context, namespace string, q contracts.SearchQuery) ([]contracts.SearchResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "milvus search param construction failed", err)
	}
	results, err := s.client.Search(ctx, namespace, nil, "", []string{"id"},
		[]entity.Vector{entity.FloatVector(q.Vector)}, "vector", entity.COSINE, limit, sp)
	if err != nil {
		return nil, airerr.Wrap(airerr.Transient, "milvus search failed", err)
	}

	var out []contracts.SearchResult
	for _, r := range results {
		for i := 0; i < r.ResultCount; i++ {
			idStr, err := r.IDs.GetAsString(i)
			if err != nil {
				continue
			}
			id, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			score := r.Scores[i]
			if score < q.Threshold {
				continue
			}
			out = append(out, contracts.SearchResult{ID: id, Score: score})
		}
	}
	return out, nil
}

func (s *MilvusStore) BulkSearch(ctx context.Context, namespace string, queries []contracts.SearchQuery) ([][]contracts.SearchResult, error) {
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

func (s *MilvusStore) DeleteCollection(ctx context.Context, namespace string) error {
	return wrapMilvusErr(s.client.DropCollection(ctx, namespace))
}

func (s *MilvusStore) NamespaceExists(ctx context.Context, namespace string) (bool, error) {
	has, err := s.client.HasCollection(ctx, namespace)
	if err != nil {
		return false, airerr.Wrap(airerr.Transient, "milvus has-collection check failed", err)
	}
	return has, nil
}

func wrapMilvusErr(err error) error {
	if err == nil {
		return nil
	}
	return airerr.Wrap(airerr.Transient, "milvus operation failed", err)
}

func itoaDims(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func quoteJoin(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += "\"" + s + "\""
	}
	return out
}

var _ contracts.VectorStore = (*MilvusStore)(nil)
