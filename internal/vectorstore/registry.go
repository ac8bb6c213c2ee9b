// Package vectorstore provides a registry of contracts.VectorStore backends.
// Ships two: EmbeddedStore (in-memory, dev/test) and PgvectorStore
// (PostgreSQL+pgvector, primary). MilvusStore (milvus.go) is a secondary
// backend for deployments that need ANN at a scale pgvector doesn't reach.
package vectorstore

import (
	"sync"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// Registry holds named VectorStore backends, keyed by the name a Collection
// or deployment config selects (e.g. "pgvector", "milvus", "embedded").
type Registry struct {
	mu      sync.RWMutex
	backends map[string]contracts.VectorStore
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]contracts.VectorStore)}
}

func (r *Registry) Register(name string, store contracts.VectorStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = store
}

func (r *Registry) Get(name string) (contracts.VectorStore, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.backends[name]
	if !ok {
		return nil, airerr.New(airerr.ValidationFailure, "unknown vector store backend: "+name)
	}
	return s, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}
