// Package embeddings provides an embedding driver registry and the OSS
// drivers behind contracts.EmbeddingProvider: OpenAI (text-embedding-3-*)
// and Ollama (nomic-embed-text and friends).
package embeddings

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/contracts"
)

// Driver is a contracts.EmbeddingProvider plus the registry bookkeeping
// every concrete driver in this package also exposes.
type Driver interface {
	contracts.EmbeddingProvider
	Kind() string
	MaxBatchSize() int
	HealthCheck(ctx context.Context) error
}

// Registry holds named embedding drivers, keyed by the name a Collection's
// embedding config selects. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

// Register adds a driver under the given name. Overwrites if it exists.
func (r *Registry) Register(name string, driver Driver) {
	r.mu.Lock()
	r.drivers[name] = driver
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("embedding driver registered")
}

func (r *Registry) Get(name string) (contracts.EmbeddingProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, airerr.New(airerr.ValidationFailure, "embedding driver not found: "+name)
	}
	return d, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}

// HealthCheckAll pings every registered driver and returns errors keyed by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Driver, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for name, driver := range snapshot {
		results[name] = driver.HealthCheck(ctx)
	}
	return results
}

// LLMRegistry holds named contracts.LLMProvider instances, keyed by the
// name a search config's completion stage selects.
type LLMRegistry struct {
	mu        sync.RWMutex
	providers map[string]contracts.LLMProvider
}

func NewLLMRegistry() *LLMRegistry {
	return &LLMRegistry{providers: make(map[string]contracts.LLMProvider)}
}

func (r *LLMRegistry) Register(name string, provider contracts.LLMProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

func (r *LLMRegistry) Get(name string) (contracts.LLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, airerr.New(airerr.ValidationFailure, "llm provider not found: "+name)
	}
	return p, nil
}

func (r *LLMRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

var (
	_ Driver = (*OpenAIDriver)(nil)
	_ Driver = (*OllamaDriver)(nil)
)
