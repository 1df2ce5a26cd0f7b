package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/model"
)

// ApplyReport summarizes one ApplyPending batch.
type ApplyReport struct {
	// Applied lists the nodes that reached UP, in apply order.
	Applied []string
	// Failed maps every node the batch left in ERROR to its error.
	Failed map[string]error
	// Unresolved lists the failed nodes that waited on dependencies that
	// never became available.
	Unresolved []string
}

// Apply materializes one FETCHED node into the host. Every dependency must
// already have a live counterpart; otherwise Apply returns a resolution
// error and the node stays FETCHED. Nodes in other states are left alone.
func (r *Repository) Apply(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.graph.Get(id)
	if !ok {
		return fmt.Errorf("apply %s: %w", id, model.ErrUnknownNode)
	}
	if n.State != model.StateFetched {
		return nil
	}
	if blocked := r.graph.BlockedBy(id, r.satisfied); len(blocked) > 0 {
		return model.NewNodeError("apply", n, model.ErrResolution,
			fmt.Errorf("unresolved dependencies: %s", strings.Join(blocked, ", ")))
	}
	return r.applyNode(n)
}

// ApplyPending applies every FETCHED node, dependencies before dependents.
//
// Each round applies the ready frontier of the pending set in priority
// order; a node applies at most once per batch. When no node is ready, the
// nodes whose dependencies are all satisfied or themselves pending form
// dependency cycles: every member is constructed first, then loaded.
// Whatever remains waits on something that does not exist and is marked
// ERROR. A failing node never stops the batch.
func (r *Repository) ApplyPending() ApplyReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	rep := ApplyReport{Failed: make(map[string]error)}
	done := make(map[string]bool)
	pending := func() []string {
		var out []string
		for _, n := range r.graph.Nodes(func(n *model.Node) bool { return n.State == model.StateFetched }) {
			if !done[n.UUID] {
				out = append(out, n.UUID)
			}
		}
		return out
	}

	batch := pending()
	if len(batch) == 0 {
		return rep
	}
	r.metrics.ApplyBatch(len(batch))

	for {
		ready := r.graph.Ready(pending(), r.satisfied)
		if len(ready) == 0 {
			break
		}
		for _, id := range r.graph.Order(ready, r.reg.Priority) {
			r.applyInto(&rep, id)
			done[id] = true
		}
	}

	rest := pending()
	if cycle := r.cycleMembers(rest); len(cycle) > 0 {
		order := r.graph.Order(cycle, r.reg.Priority)
		for _, id := range order {
			n, _ := r.graph.Get(id)
			if _, _, err := r.instanceFor(n); err != nil {
				rep.Failed[id] = r.failApply(n, err)
			}
			done[id] = true
		}
		for _, id := range order {
			if n, _ := r.graph.Get(id); n.State == model.StateFetched {
				r.applyInto(&rep, id)
			}
		}
		rest = without(rest, cycle)
	}

	for _, id := range rest {
		n, ok := r.graph.Get(id)
		if !ok || n.State != model.StateFetched {
			continue
		}
		blocked := r.graph.BlockedBy(id, r.satisfied)
		ne := model.NewNodeError("apply", n, model.ErrResolution,
			fmt.Errorf("unresolved dependencies: %s", strings.Join(blocked, ", ")))
		n.Fail(ne)
		rep.Failed[id] = ne
		rep.Unresolved = append(rep.Unresolved, id)
		r.metrics.Applied("unresolved")
		r.log.Warn("node unresolved", "uuid", id, "type", n.TypeID, "missing", blocked)
	}
	return rep
}

func (r *Repository) applyInto(rep *ApplyReport, id string) {
	n, ok := r.graph.Get(id)
	if !ok {
		return
	}
	if err := r.applyNode(n); err != nil {
		rep.Failed[id] = err
		return
	}
	rep.Applied = append(rep.Applied, id)
}

// cycleMembers returns the pending nodes whose dependencies are each
// satisfied or pending members themselves, computed as a fixpoint.
func (r *Repository) cycleMembers(pending []string) []string {
	in := make(map[string]bool, len(pending))
	for _, id := range pending {
		if n, ok := r.graph.Get(id); ok && n.State == model.StateFetched {
			in[id] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for id := range in {
			n, _ := r.graph.Get(id)
			for _, d := range n.Dependencies {
				if !in[d] && !r.satisfied(d) {
					delete(in, id)
					changed = true
					break
				}
			}
		}
	}
	var out []string
	for _, id := range pending {
		if in[id] {
			out = append(out, id)
		}
	}
	return out
}

func without(ids, drop []string) []string {
	gone := make(map[string]struct{}, len(drop))
	for _, id := range drop {
		gone[id] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := gone[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// instanceFor returns the live instance of n, constructing an empty one
// when the host has none.
func (r *Repository) instanceFor(n *model.Node) (impl.Implementation, impl.Instance, error) {
	im, err := r.reg.Lookup(n.TypeID)
	if err != nil {
		return nil, nil, err
	}
	if inst, ok := r.resolve(n, im); ok {
		return im, inst, nil
	}
	inst, err := im.Construct(n.Buffer)
	if err != nil {
		return nil, nil, err
	}
	inst.SetUUID(n.UUID)
	n.Instance = inst
	return im, inst, nil
}

// applyNode loads n's buffer into its live instance and marks it UP, or
// marks it ERROR and returns the failure. On success, dependents that failed
// waiting for n are queued again, and so are live dependents when n's kind
// asks for parents to reload.
func (r *Repository) applyNode(n *model.Node) error {
	im, inst, err := r.instanceFor(n)
	if err != nil {
		return r.failApply(n, err)
	}
	if err := im.Load(n.Buffer, inst); err != nil {
		return r.failApply(n, err)
	}
	if err := n.SetState(model.StateUp); err != nil {
		return err
	}
	r.setBase(n.UUID, n.Buffer)
	r.metrics.Applied("up")

	reload := im.Policy().ReloadParentOnApply
	for _, pid := range r.graph.Dependents(n.UUID) {
		p, ok := r.graph.Get(pid)
		if !ok {
			continue
		}
		switch {
		case reload && p.State == model.StateUp:
			_ = p.SetState(model.StateFetched)
		case awaitsDependency(p):
			_ = p.SetState(model.StateFetched)
		}
	}
	return nil
}

// awaitsDependency reports whether p failed only because something it needs was
// missing, so a newly applied dependency may unblock it.
func awaitsDependency(p *model.Node) bool {
	return p.State == model.StateError && !p.Stale && !p.Buffer.IsEmpty() &&
		errors.Is(p.Err, model.ErrResolution)
}

// failApply marks n ERROR with err classified as a resolution failure when
// the host could not find something, a construction failure otherwise.
func (r *Repository) failApply(n *model.Node, err error) error {
	kind := model.ErrConstruction
	if errors.Is(err, model.ErrResolution) {
		kind = model.ErrResolution
	}
	ne := model.NewNodeError("apply", n, kind, err)
	n.Fail(ne)
	r.metrics.Applied("error")
	r.log.Warn("apply failed", "uuid", n.UUID, "type", n.TypeID, "field", ne.Field, "error", err)
	return ne
}
