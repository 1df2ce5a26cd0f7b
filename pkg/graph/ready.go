package graph

import "sort"

// Ready returns the apply frontier of a pending set: every pending uuid
// whose dependencies are all satisfied. A dependency that is itself pending
// is never satisfied, so the result is an antichain of the pending
// subgraph. Unknown pending uuids are skipped. Result is sorted.
func (g *Graph) Ready(pending []string, satisfied func(uuid string) bool) []string {
	inPending := make(map[string]struct{}, len(pending))
	for _, id := range pending {
		inPending[id] = struct{}{}
	}
	var out []string
	for id := range inPending {
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		ready := true
		for _, d := range n.Dependencies {
			if _, waiting := inPending[d]; waiting || !satisfied(d) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// BlockedBy lists the dependencies of uuid that are not satisfied, in
// dependency order.
func (g *Graph) BlockedBy(uuid string, satisfied func(uuid string) bool) []string {
	n, ok := g.nodes[uuid]
	if !ok {
		return nil
	}
	var out []string
	for _, d := range n.Dependencies {
		if !satisfied(d) {
			out = append(out, d)
		}
	}
	return out
}
