// Package dag holds the EntityRegistry (declarative entity-definition
// catalog) and SyncDag validation named in spec §3/§9. The registry follows
// the teacher's catalog.go registry shape: a mutex-guarded map with
// Register/Get/List, grounded on internal/catalog/catalog.go.
package dag

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// Registry is the static table of EntityDefinitions and transformer
// descriptors a compiled SyncDag references by id. Replacing the source's
// decorator-attached metadata (§9 Design Notes): a connector or transformer
// kind is registered once at process startup with a descriptor value.
type Registry struct {
	mu          sync.RWMutex
	definitions map[uuid.UUID]models.EntityDefinition
	byName      map[string]uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[uuid.UUID]models.EntityDefinition),
		byName:      make(map[string]uuid.UUID),
	}
}

func (r *Registry) Register(def models.EntityDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.definitions[def.ID] = def
	r.byName[def.Name] = def.ID
}

func (r *Registry) Get(id uuid.UUID) (models.EntityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.definitions[id]
	return d, ok
}

func (r *Registry) IDByName(name string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

func (r *Registry) List() []models.EntityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.EntityDefinition, 0, len(r.definitions))
	for _, d := range r.definitions {
		out = append(out, d)
	}
	return out
}

// ResolveEntityDefinitionID implements the fallback lookup named in §4.3:
// KindPolymorphic entities resolve to the reserved polymorphic id, and
// KindChunk entities with no EntityDefinitionID resolve to
// ChunkEntityDefinitionID. Every other entity keeps its own
// EntityDefinitionID. There is no Parent kind, so Parent entities are not
// remapped and ParentEntityDefinitionID is never returned.
func ResolveEntityDefinitionID(e models.Entity) uuid.UUID {
	switch e.Kind {
	case models.KindPolymorphic:
		return models.PolymorphicTableEntityDefinitionID
	case models.KindChunk:
		if e.EntityDefinitionID == uuid.Nil {
			return models.ChunkEntityDefinitionID
		}
	}
	return e.EntityDefinitionID
}

// ValidateDag enforces the SyncDag invariants of §3:
//   - exactly one source node
//   - every entity node has exactly one inbound edge
//   - an entity node's outbound edges are either all-destination or lead to
//     a single non-destination (transformer) node
func ValidateDag(d models.SyncDag) error {
	nodesByID := make(map[uuid.UUID]models.DagNode, len(d.Nodes))
	for _, n := range d.Nodes {
		nodesByID[n.ID] = n
	}

	sourceCount := 0
	for _, n := range d.Nodes {
		if n.Kind == models.NodeSource {
			sourceCount++
		}
	}
	if sourceCount != 1 {
		return fmt.Errorf("sync dag must have exactly one source node, got %d", sourceCount)
	}

	inbound := make(map[uuid.UUID]int)
	outbound := make(map[uuid.UUID][]models.DagNode)
	for _, e := range d.Edges {
		inbound[e.ToNodeID]++
		to, ok := nodesByID[e.ToNodeID]
		if !ok {
			return fmt.Errorf("edge references unknown node %s", e.ToNodeID)
		}
		outbound[e.FromNodeID] = append(outbound[e.FromNodeID], to)
	}

	for _, n := range d.Nodes {
		if n.Kind != models.NodeEntity {
			continue
		}
		if inbound[n.ID] != 1 {
			return fmt.Errorf("entity node %s must have exactly one inbound edge, got %d", n.ID, inbound[n.ID])
		}
		outs := outbound[n.ID]
		if len(outs) == 0 {
			continue
		}
		allDestination := true
		nonDestinationCount := 0
		for _, o := range outs {
			if o.Kind == models.NodeDestination {
				continue
			}
			allDestination = false
			nonDestinationCount++
		}
		if allDestination {
			continue
		}
		if nonDestinationCount != 1 || nonDestinationCount != len(outs) {
			return fmt.Errorf("entity node %s outbound edges must be all-destination or a single non-destination, got mixed targets", n.ID)
		}
	}

	return nil
}
