// Package router implements the DAGRouter of spec §4.3: given a compiled
// SyncDag, it precomputes a route table keyed by (producer_node_id,
// entity_definition_id) and dispatches each produced entity to the right
// transformer or destination, recursively routing whatever the transformer
// emits.
//
// Grounded on the teacher's internal/router package: a pre-warmed cache
// keyed by a composite key, DB lookup only as last resort, RWMutex-guarded
// for safe concurrent access from multiple sync workers (§5: "DAGRouter is
// stateless once the transformer cache is warmed; safe to call from
// multiple workers concurrently").
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	airdag "github.com/airweave-sub003/ingestion-core/internal/dag"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// Transformer is the Entity -> []Entity contract of §4.4.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, e models.Entity) ([]models.Entity, error)
}

// TransformerLookup resolves a transformer by name, consulting a pre-warmed
// cache first and falling back to a slower source (e.g. a DB-backed
// registry) only on miss.
type TransformerLookup interface {
	Get(ctx context.Context, name string) (Transformer, error)
}

type routeKey struct {
	producerNodeID     uuid.UUID
	entityDefinitionID uuid.UUID
}

// route is "send to this consumer node" together with its transformer's
// name; a nil *route in the route table means "send to destination".
type route struct {
	consumerNodeID uuid.UUID
	transformerName string
}

// Router is the compiled, queryable form of one SyncDag.
type Router struct {
	dag    models.SyncDag
	lookup TransformerLookup
	logger zerolog.Logger

	mu          sync.RWMutex
	routeTable  map[routeKey]*route
	transformer map[string]Transformer // warmed cache

	fileChunker       Transformer
	codeChunker       Transformer
	codeSummarizer    Transformer
	fieldChunker      Transformer
}

// Options bundles the special-cased transformers §4.3 always consults
// directly (file/code chunking happens before route-table lookup).
type Options struct {
	FileChunker    Transformer
	CodeChunker    Transformer
	CodeSummarizer Transformer // optional; nil disables code summarization
	FieldChunker   Transformer
}

// New compiles the route table for dag. Returns InternalInvariantViolated
// if the dag fails dag.ValidateDag.
func New(d models.SyncDag, lookup TransformerLookup, opts Options, logger zerolog.Logger) (*Router, error) {
	if err := airdag.ValidateDag(d); err != nil {
		return nil, airerr.Wrap(airerr.InternalInvariantViolated, "sync dag failed validation", err)
	}

	nodesByID := make(map[uuid.UUID]models.DagNode, len(d.Nodes))
	for _, n := range d.Nodes {
		nodesByID[n.ID] = n
	}

	outbound := make(map[uuid.UUID][]uuid.UUID)
	for _, e := range d.Edges {
		outbound[e.FromNodeID] = append(outbound[e.FromNodeID], e.ToNodeID)
	}

	table := make(map[routeKey]*route)
	for _, n := range d.Nodes {
		if n.Kind != models.NodeEntity {
			continue
		}
		outs := outbound[n.ID]
		key := routeKey{producerNodeID: producerOf(d, n.ID), entityDefinitionID: n.EntityDefinitionID}

		var chosen *route
		for _, toID := range outs {
			to := nodesByID[toID]
			if to.Kind == models.NodeDestination {
				continue
			}
			// ValidateDag guarantees at most one non-destination outbound edge.
			chosen = &route{consumerNodeID: to.ID, transformerName: to.TransformerName}
		}
		table[key] = chosen // nil => destination
	}

	return &Router{
		dag:            d,
		lookup:         lookup,
		logger:         logger,
		routeTable:     table,
		transformer:    make(map[string]Transformer),
		fileChunker:    opts.FileChunker,
		codeChunker:    opts.CodeChunker,
		codeSummarizer: opts.CodeSummarizer,
		fieldChunker:   opts.FieldChunker,
	}, nil
}

// producerOf finds the single inbound edge's source node for an entity
// node, i.e. the node that produces entities of this type. Validated by
// dag.ValidateDag to be exactly one.
func producerOf(d models.SyncDag, entityNodeID uuid.UUID) uuid.UUID {
	for _, e := range d.Edges {
		if e.ToNodeID == entityNodeID {
			return e.FromNodeID
		}
	}
	return uuid.Nil
}

// WarmCache pre-resolves every transformer named in the route table so
// Process never needs a DB round trip on the hot path (§4.3, §5).
func (r *Router) WarmCache(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routeTable {
		if rt == nil || rt.transformerName == "" {
			continue
		}
		if _, ok := r.transformer[rt.transformerName]; ok {
			continue
		}
		t, err := r.lookup.Get(ctx, rt.transformerName)
		if err != nil {
			return airerr.Wrap(airerr.InternalInvariantViolated, "failed to warm transformer cache for "+rt.transformerName, err)
		}
		r.transformer[rt.transformerName] = t
	}
	return nil
}

// Sink receives entities the router has decided go to a destination.
type Sink interface {
	Emit(ctx context.Context, e models.Entity) error
}

// Process implements the dispatch algorithm of §4.3.
func (r *Router) Process(ctx context.Context, producerNodeID uuid.UUID, e models.Entity, sink Sink) error {
	switch e.Kind {
	case models.KindCodeFile:
		return r.processCodeFile(ctx, producerNodeID, e, sink)
	case models.KindFile:
		return r.processFile(ctx, producerNodeID, e, sink)
	case models.KindChunk:
		return r.processChunk(ctx, producerNodeID, e, sink)
	default:
		return r.route(ctx, producerNodeID, e, sink)
	}
}

func (r *Router) processCodeFile(ctx context.Context, producerNodeID uuid.UUID, e models.Entity, sink Sink) error {
	if r.codeChunker == nil {
		return airerr.New(airerr.InternalInvariantViolated, "no code chunker configured")
	}
	chunks, err := r.codeChunker.Transform(ctx, e)
	if err != nil {
		return err
	}
	if r.codeSummarizer != nil {
		summarized := make([]models.Entity, 0, len(chunks))
		for _, c := range chunks {
			out, err := r.codeSummarizer.Transform(ctx, c)
			if err != nil {
				return err
			}
			summarized = append(summarized, out...)
		}
		chunks = summarized
	}
	return r.routeAll(ctx, producerNodeID, chunks, sink)
}

func (r *Router) processFile(ctx context.Context, producerNodeID uuid.UUID, e models.Entity, sink Sink) error {
	if r.fileChunker == nil {
		return airerr.New(airerr.InternalInvariantViolated, "no file chunker configured")
	}
	chunks, err := r.fileChunker.Transform(ctx, e)
	if err != nil {
		return err
	}
	return r.routeAll(ctx, producerNodeID, chunks, sink)
}

func (r *Router) processChunk(ctx context.Context, producerNodeID uuid.UUID, e models.Entity, sink Sink) error {
	if r.fieldChunker != nil {
		splits, err := r.fieldChunker.Transform(ctx, e)
		if err != nil {
			return err
		}
		if len(splits) > 1 || (len(splits) == 1 && splits[0].ChunkCount > 1) {
			return r.routeAll(ctx, producerNodeID, splits, sink)
		}
		if len(splits) == 1 {
			e = splits[0]
		}
	}
	return r.route(ctx, producerNodeID, e, sink)
}

func (r *Router) routeAll(ctx context.Context, producerNodeID uuid.UUID, entities []models.Entity, sink Sink) error {
	for _, out := range entities {
		if err := r.route(ctx, producerNodeID, out, sink); err != nil {
			return err
		}
	}
	return nil
}

// route resolves (producerNodeID, entity-definition-id) against the route
// table and either emits to the sink or recursively invokes the next
// transformer. The permissive fallback ("no route found -> destination") is
// a deliberate carry-over named in §9 Open Questions: preserved behavior,
// logged as a warning rather than hard-failing validation.
func (r *Router) route(ctx context.Context, producerNodeID uuid.UUID, e models.Entity, sink Sink) error {
	defID := airdag.ResolveEntityDefinitionID(e)
	key := routeKey{producerNodeID: producerNodeID, entityDefinitionID: defID}

	r.mu.RLock()
	rt, found := r.routeTable[key]
	r.mu.RUnlock()

	if !found {
		r.logger.Warn().
			Str("producer_node_id", producerNodeID.String()).
			Str("entity_definition_id", defID.String()).
			Msg("no route found for entity, treating as destination")
		return sink.Emit(ctx, e)
	}
	if rt == nil {
		return sink.Emit(ctx, e)
	}

	r.mu.RLock()
	transformer, ok := r.transformer[rt.transformerName]
	r.mu.RUnlock()
	if !ok {
		// Cache miss — last resort, per §4.3.
		t, err := r.lookup.Get(ctx, rt.transformerName)
		if err != nil {
			return airerr.Wrap(airerr.InternalInvariantViolated, fmt.Sprintf("transformer %q not found on cache miss", rt.transformerName), err)
		}
		r.mu.Lock()
		r.transformer[rt.transformerName] = t
		r.mu.Unlock()
		transformer = t
	}

	outputs, err := transformer.Transform(ctx, e)
	if err != nil {
		return err
	}
	return r.routeAll(ctx, rt.consumerNodeID, outputs, sink)
}
