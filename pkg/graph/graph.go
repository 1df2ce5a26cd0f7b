// Package graph holds the replicated dependency graph.
//
// Nodes live in an arena keyed by uuid. Edges are never object references:
// a node lists the uuids it depends on, and the graph keeps a reverse index
// (dependents) derived from those lists. Cycles are structurally allowed;
// every traversal here is visit-once so a cycle can never loop.
//
// The graph is not safe for concurrent use. The repository guards it with
// its own mutex.
package graph

import (
	"sort"

	"github.com/daviddao/scenemesh/pkg/model"
)

// Graph is an arena of nodes plus the reverse dependency index.
type Graph struct {
	nodes map[string]*model.Node
	// edges is the dependency list as last indexed, so a caller mutating
	// Node.Dependencies directly cannot desync the reverse index.
	edges      map[string][]string
	dependents map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]*model.Node),
		edges:      make(map[string][]string),
		dependents: make(map[string]map[string]struct{}),
	}
}

// NormalizeDependencies strips self-loops, empty ids and duplicates from
// deps while preserving first-seen order.
func NormalizeDependencies(self string, deps []string) []string {
	if len(deps) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" || d == self {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Put inserts n, replacing any node with the same uuid, and indexes its
// dependencies.
func (g *Graph) Put(n *model.Node) {
	g.unindex(n.UUID)
	n.Dependencies = NormalizeDependencies(n.UUID, n.Dependencies)
	g.nodes[n.UUID] = n
	g.index(n.UUID, n.Dependencies)
}

// Get returns the node for uuid.
func (g *Graph) Get(uuid string) (*model.Node, bool) {
	n, ok := g.nodes[uuid]
	return n, ok
}

// Has reports whether uuid is in the graph.
func (g *Graph) Has(uuid string) bool {
	_, ok := g.nodes[uuid]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// UUIDs returns every uuid in sorted order.
func (g *Graph) UUIDs() []string {
	out := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Nodes returns the nodes accepted by filter (all when filter is nil),
// sorted by uuid.
func (g *Graph) Nodes(filter func(*model.Node) bool) []*model.Node {
	var out []*model.Node
	for _, id := range g.UUIDs() {
		n := g.nodes[id]
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	return out
}

// Dependencies returns the direct dependencies of uuid.
func (g *Graph) Dependencies(uuid string) []string {
	n, ok := g.nodes[uuid]
	if !ok {
		return nil
	}
	return append([]string(nil), n.Dependencies...)
}

// Dependents returns the nodes that list uuid as a direct dependency (its
// parents), sorted.
func (g *Graph) Dependents(uuid string) []string {
	set := g.dependents[uuid]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetDependencies replaces the dependency list of uuid.
func (g *Graph) SetDependencies(uuid string, deps []string) {
	n, ok := g.nodes[uuid]
	if !ok {
		return
	}
	g.unindex(uuid)
	n.Dependencies = NormalizeDependencies(uuid, deps)
	g.index(uuid, n.Dependencies)
}

// Remove deletes uuid from the arena. Other nodes may keep listing it as a
// dependency; the reverse index entry for it stays so those parents are
// still discoverable.
func (g *Graph) Remove(uuid string) (*model.Node, bool) {
	n, ok := g.nodes[uuid]
	if !ok {
		return nil, false
	}
	g.unindex(uuid)
	delete(g.nodes, uuid)
	if len(g.dependents[uuid]) == 0 {
		delete(g.dependents, uuid)
	}
	return n, true
}

// Closure returns every node reachable from uuid through dependency edges,
// excluding uuid itself, dependencies first. Unknown uuids are included so
// the caller can see what is missing.
func (g *Graph) Closure(uuid string) []string {
	visited := map[string]bool{uuid: true}
	var out []string
	var visit func(id string)
	visit = func(id string) {
		n, ok := g.nodes[id]
		if !ok {
			return
		}
		for _, d := range n.Dependencies {
			if visited[d] {
				continue
			}
			visited[d] = true
			visit(d)
			out = append(out, d)
		}
	}
	visit(uuid)
	return out
}

// Unreferenced reports whether no node accepted by live still lists uuid as
// a dependency. A nil live treats every node as live.
func (g *Graph) Unreferenced(uuid string, live func(*model.Node) bool) bool {
	for parent := range g.dependents[uuid] {
		p, ok := g.nodes[parent]
		if !ok {
			continue
		}
		if live == nil || live(p) {
			return false
		}
	}
	return true
}

// ----------------------------------------------------------------------------
// Index maintenance
// ----------------------------------------------------------------------------

func (g *Graph) index(uuid string, deps []string) {
	if len(deps) > 0 {
		g.edges[uuid] = append([]string(nil), deps...)
	}
	for _, d := range deps {
		set := g.dependents[d]
		if set == nil {
			set = make(map[string]struct{})
			g.dependents[d] = set
		}
		set[uuid] = struct{}{}
	}
}

func (g *Graph) unindex(uuid string) {
	deps := g.edges[uuid]
	delete(g.edges, uuid)
	for _, d := range deps {
		set := g.dependents[d]
		delete(set, uuid)
		if len(set) == 0 {
			delete(g.dependents, d)
		}
	}
}
