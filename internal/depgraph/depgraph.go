// Package depgraph orders entity types for synchronization.
//
// The sync engine must create referenced entities before the entities that
// reference them: a tag category before its tags, a trip before its
// memories, a memory before its media items. The graph is static and
// hand-specified; it is not discovered at runtime. A cycle in the
// configured graph is a configuration error detected at startup, never a
// runtime condition.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/trailbook/trailbook/internal/entity"
)

// Graph holds the directed entity-type dependency graph. An edge A -> B
// means A must exist before B may reference it, so A is synced first.
type Graph struct {
	// edges maps each type to the types that depend on it (its children).
	edges map[entity.Type][]entity.Type
	// order is the memoized topological order, computed by New.
	order []entity.Type
}

// defaultEdges is the static dependency graph of the travel journal:
//
//	TagCategory -> Tag
//	Trip        -> Memory, GPXTrack
//	Memory      -> MediaItem, GPXTrack
//	BucketListItem -> Memory (membership references)
var defaultEdges = map[entity.Type][]entity.Type{
	entity.TypeTagCategory:    {entity.TypeTag},
	entity.TypeTrip:           {entity.TypeMemory, entity.TypeGPXTrack},
	entity.TypeMemory:         {entity.TypeMediaItem, entity.TypeGPXTrack},
	entity.TypeBucketListItem: {entity.TypeMemory},
}

// New builds the default graph and verifies it is acyclic.
// It returns an error if the configured graph has a cycle or references an
// unknown entity type; callers should treat that as fatal at startup.
func New() (*Graph, error) {
	return NewWithEdges(defaultEdges)
}

// NewWithEdges builds a graph from explicit edges. Every known entity type
// participates in the order even if it has no edges.
func NewWithEdges(edges map[entity.Type][]entity.Type) (*Graph, error) {
	g := &Graph{edges: make(map[entity.Type][]entity.Type, len(edges))}

	for from, tos := range edges {
		if !from.IsValid() {
			return nil, fmt.Errorf("dependency graph references unknown type %q", from)
		}
		for _, to := range tos {
			if !to.IsValid() {
				return nil, fmt.Errorf("dependency graph references unknown type %q", to)
			}
			g.edges[from] = append(g.edges[from], to)
		}
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// SyncOrder returns the entity types in dependency order: for every edge
// A -> B, A appears strictly before B. The order is deterministic across
// runs; ties are broken lexicographically by type name.
func (g *Graph) SyncOrder() []entity.Type {
	out := make([]entity.Type, len(g.order))
	copy(out, g.order)
	return out
}

// Dependencies returns the direct predecessors of t: the types that must
// be synced before t. The result is sorted for determinism.
func (g *Graph) Dependencies(t entity.Type) []entity.Type {
	var deps []entity.Type
	for from, tos := range g.edges {
		for _, to := range tos {
			if to == t {
				deps = append(deps, from)
				break
			}
		}
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
	return deps
}

// topoSort runs Kahn's algorithm over all known entity types with a sorted
// frontier, which makes the output deterministic.
func (g *Graph) topoSort() ([]entity.Type, error) {
	indegree := make(map[entity.Type]int)
	for _, t := range entity.AllTypes() {
		indegree[t] = 0
	}
	for _, tos := range g.edges {
		for _, to := range tos {
			indegree[to]++
		}
	}

	var frontier []entity.Type
	for t, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, t)
		}
	}

	var order []entity.Type
	for len(frontier) > 0 {
		sort.Slice(frontier, func(i, j int) bool { return frontier[i] < frontier[j] })
		next := frontier[0]
		frontier = frontier[1:]
		order = append(order, next)

		for _, to := range g.edges[next] {
			indegree[to]--
			if indegree[to] == 0 {
				frontier = append(frontier, to)
			}
		}
	}

	if len(order) != len(indegree) {
		var stuck []string
		for t, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, string(t))
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency graph has a cycle involving: %s", strings.Join(stuck, ", "))
	}

	return order, nil
}
