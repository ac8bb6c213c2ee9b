package workflow

import (
	"context"
	"sync"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/internal/router"
)

// StaticLookup resolves transformers from a fixed, caller-supplied table —
// every DAG transformer a deployment will ever name (embedder, plus any
// collection-specific transformer) registered once at startup. It
// satisfies router.TransformerLookup's "fall back to a slower source on
// cache miss" contract trivially, since there is no slower source here:
// a miss means the name was never registered.
type StaticLookup struct {
	mu           sync.RWMutex
	transformers map[string]router.Transformer
}

func NewStaticLookup() *StaticLookup {
	return &StaticLookup{transformers: make(map[string]router.Transformer)}
}

// Register adds or replaces the transformer served for name.
func (l *StaticLookup) Register(t router.Transformer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transformers[t.Name()] = t
}

func (l *StaticLookup) Get(_ context.Context, name string) (router.Transformer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.transformers[name]
	if !ok {
		return nil, airerr.New(airerr.InternalInvariantViolated, "no transformer registered for "+name)
	}
	return t, nil
}

var _ router.TransformerLookup = (*StaticLookup)(nil)
