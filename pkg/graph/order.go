package graph

import (
	"container/heap"

	"github.com/daviddao/scenemesh/pkg/model"
)

// PriorityFunc ranks a node for ordering ties. Lower goes first; containers
// are expected to rank below leaf geometry.
type PriorityFunc func(*model.Node) int

// Order returns uuids in topological order: every dependency inside the set
// precedes its dependents. Dependencies outside the set are ignored. Ties
// among ready nodes break on (priority, uuid). When only cycles remain, the
// smallest remaining (priority, uuid) node is emitted to break them, so the
// result is deterministic and always contains every known uuid exactly once.
func (g *Graph) Order(uuids []string, priority PriorityFunc) []string {
	if priority == nil {
		priority = func(*model.Node) int { return 0 }
	}

	members := make(map[string]struct{}, len(uuids))
	for _, id := range uuids {
		if _, ok := g.nodes[id]; ok {
			members[id] = struct{}{}
		}
	}

	// indegree counts unemitted in-set dependencies.
	indegree := make(map[string]int, len(members))
	for id := range members {
		for _, d := range g.nodes[id].Dependencies {
			if _, ok := members[d]; ok {
				indegree[id]++
			}
		}
	}

	ready := &rankHeap{}
	remaining := &rankHeap{}
	for id := range members {
		r := rank{prio: priority(g.nodes[id]), uuid: id}
		heap.Push(remaining, r)
		if indegree[id] == 0 {
			heap.Push(ready, r)
		}
	}

	emitted := make(map[string]bool, len(members))
	out := make([]string, 0, len(members))
	emit := func(id string) {
		emitted[id] = true
		out = append(out, id)
		for parent := range g.dependents[id] {
			if _, ok := members[parent]; !ok || emitted[parent] {
				continue
			}
			indegree[parent]--
			if indegree[parent] == 0 {
				heap.Push(ready, rank{prio: priority(g.nodes[parent]), uuid: parent})
			}
		}
	}

	for len(out) < len(members) {
		if ready.Len() > 0 {
			r := heap.Pop(ready).(rank)
			if !emitted[r.uuid] {
				emit(r.uuid)
			}
			continue
		}
		// Cycle: force the smallest remaining node out.
		for remaining.Len() > 0 {
			r := heap.Pop(remaining).(rank)
			if !emitted[r.uuid] {
				emit(r.uuid)
				break
			}
		}
	}
	return out
}

type rank struct {
	prio int
	uuid string
}

type rankHeap []rank

func (h rankHeap) Len() int { return len(h) }
func (h rankHeap) Less(i, j int) bool {
	if h[i].prio != h[j].prio {
		return h[i].prio < h[j].prio
	}
	return h[i].uuid < h[j].uuid
}
func (h rankHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *rankHeap) Push(x any)   { *h = append(*h, x.(rank)) }
func (h *rankHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
