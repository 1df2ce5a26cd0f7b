package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/ownership"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// ----------------------------------------------------------------------------
// Removal
// ----------------------------------------------------------------------------

// Remove deletes a node from the graph and announces a tombstone to every
// remote. With removeDependencies it also removes the writable
// dependencies nothing else references any more. It returns the removed
// uuids, the requested node first.
func (r *Repository) Remove(ctx context.Context, id string, removeDependencies bool) ([]string, error) {
	r.mu.Lock()
	n, ok := r.graph.Get(id)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("remove %s: %w", id, model.ErrUnknownNode)
	}
	if !ownership.CanWrite(n, r.user) {
		r.mu.Unlock()
		return nil, model.NewNodeError("remove", n, model.ErrNonAuthorized, fmt.Errorf("owned by %s", n.Owner))
	}

	var closure []string
	if removeDependencies {
		closure = r.graph.Closure(id)
	}
	frames := []transport.Frame{r.tombstone(n)}
	removed := []string{id}
	r.drop(id)

	// Dependents come after their dependencies in the closure, so walking it
	// backwards frees each node before its own dependencies are examined.
	for i := len(closure) - 1; i >= 0; i-- {
		d, ok := r.graph.Get(closure[i])
		if !ok || !ownership.CanWrite(d, r.user) || !r.graph.Unreferenced(d.UUID, nil) {
			continue
		}
		frames = append(frames, r.tombstone(d))
		removed = append(removed, d.UUID)
		r.drop(d.UUID)
	}
	pubs := r.publishers()
	r.mu.Unlock()

	r.log.Debug("nodes removed", "uuid", id, "count", len(removed))
	if err := r.broadcast(ctx, pubs, frames); err != nil {
		return removed, fmt.Errorf("remove %s: %w", id, err)
	}
	return removed, nil
}

func (r *Repository) tombstone(n *model.Node) transport.Frame {
	return transport.Frame{
		Kind:   transport.KindTombstone,
		UUID:   n.UUID,
		Owner:  n.Owner,
		TypeID: n.TypeID,
		Stamp:  r.clock.Next(r.user),
		Sender: r.user,
	}
}

// broadcast publishes frames on every remote. Failures are collected, not
// fatal, and reported as one transport error.
func (r *Repository) broadcast(ctx context.Context, pubs []transport.Publisher, frames []transport.Frame) error {
	var errs []error
	for _, p := range pubs {
		for _, f := range frames {
			if err := p.Publish(ctx, f); err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", f.Kind, f.UUID, err))
				continue
			}
			r.metrics.FrameSent(string(f.Kind))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", model.ErrTransport, errors.Join(errs...))
	}
	return nil
}

// ----------------------------------------------------------------------------
// Ownership
// ----------------------------------------------------------------------------

// ChangeOwner hands id (and, when recursive, its dependencies) to newOwner
// and announces the change. Dependencies someone else owns are skipped and
// reported in the result.
func (r *Repository) ChangeOwner(ctx context.Context, id, newOwner string, recursive bool) (ownership.Result, error) {
	r.mu.Lock()
	res, err := ownership.Plan(r.graph, id, r.user, newOwner, recursive)
	if err != nil {
		r.mu.Unlock()
		return res, err
	}
	frames := r.reassign(res.Changed, newOwner)
	pubs := r.publishers()
	r.mu.Unlock()

	if res.Partial() {
		r.log.Info("partial ownership change", "uuid", id, "owner", newOwner, "skipped", res.Skipped)
	}
	if err := r.broadcast(ctx, pubs, frames); err != nil {
		return res, fmt.Errorf("change owner %s: %w", id, err)
	}
	return res, nil
}

// Lock takes id for the local user.
func (r *Repository) Lock(ctx context.Context, id string, recursive bool) (ownership.Result, error) {
	return r.ChangeOwner(ctx, id, r.user, recursive)
}

// Unlock hands id back to Common.
func (r *Repository) Unlock(ctx context.Context, id string, recursive bool) (ownership.Result, error) {
	return r.ChangeOwner(ctx, id, model.Common, recursive)
}

// Release hands the given nodes back to Common, skipping any the local user
// does not own. It returns the released uuids.
func (r *Repository) Release(ctx context.Context, ids []string) ([]string, error) {
	r.mu.Lock()
	var mine []string
	for _, id := range ids {
		if n, ok := r.graph.Get(id); ok && n.Owner == r.user {
			mine = append(mine, id)
		}
	}
	frames := r.reassign(mine, model.Common)
	pubs := r.publishers()
	r.mu.Unlock()

	if err := r.broadcast(ctx, pubs, frames); err != nil {
		return mine, fmt.Errorf("release: %w", err)
	}
	return mine, nil
}

// Deselect releases what policy gives up when the deselected nodes leave the
// selection and selected stays: nothing under ownership.PolicyStrict; the
// deselected nodes and the dependencies no selected node still needs under
// ownership.PolicyCommon.
func (r *Repository) Deselect(ctx context.Context, policy ownership.Policy, deselected, selected []string) ([]string, error) {
	r.mu.Lock()
	ids := ownership.Releases(policy, r.graph, r.user, deselected, selected)
	r.mu.Unlock()
	if len(ids) == 0 {
		return nil, nil
	}
	return r.Release(ctx, ids)
}

// ReleaseAll hands every node the local user owns back to Common.
func (r *Repository) ReleaseAll(ctx context.Context) ([]string, error) {
	return r.Release(ctx, r.owned())
}

func (r *Repository) owned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.graph.Nodes(func(n *model.Node) bool { return n.Owner == r.user }) {
		out = append(out, n.UUID)
	}
	return out
}

// reassign sets the owner of ids under a fresh claim stamp each and returns
// the owner frames announcing it.
func (r *Repository) reassign(ids []string, newOwner string) []transport.Frame {
	var frames []transport.Frame
	for _, id := range ids {
		n, ok := r.graph.Get(id)
		if !ok {
			continue
		}
		stamp := r.clock.Next(r.user)
		frames = append(frames, transport.Frame{
			Kind:       transport.KindOwner,
			UUID:       n.UUID,
			Owner:      newOwner,
			PrevOwner:  n.Owner,
			TypeID:     n.TypeID,
			Stamp:      stamp,
			OwnerStamp: stamp,
			Sender:     r.user,
		})
		n.Owner = newOwner
		n.OwnerStamp = stamp
	}
	return frames
}

// ----------------------------------------------------------------------------
// Sanitizing
// ----------------------------------------------------------------------------

// Purge removes orphans: UP nodes whose live instance no longer resolves
// and that no live node depends on. Nodes the local user owns are never
// purged. Removals are announced to every remote. It returns the purged
// uuids, sorted.
func (r *Repository) Purge(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	orphan := make(map[string]bool)
	for _, n := range r.graph.Nodes(func(n *model.Node) bool { return n.State == model.StateUp && n.Owner != r.user }) {
		im, err := r.reg.Lookup(n.TypeID)
		if err != nil {
			continue
		}
		if _, ok := im.Resolve(n.UUID, n.Buffer); !ok {
			orphan[n.UUID] = true
		}
	}
	live := func(p *model.Node) bool { return p.State.HasLiveInstance() && !orphan[p.UUID] }

	var purged []string
	for id := range orphan {
		if r.graph.Unreferenced(id, live) {
			purged = append(purged, id)
		}
	}
	sort.Strings(purged)
	frames := make([]transport.Frame, 0, len(purged))
	for _, id := range purged {
		n, _ := r.graph.Get(id)
		frames = append(frames, r.tombstone(n))
		r.drop(id)
	}
	pubs := r.publishers()
	r.mu.Unlock()

	if len(purged) > 0 {
		r.log.Info("orphans purged", "count", len(purged))
	}
	if err := r.broadcast(ctx, pubs, frames); err != nil {
		return purged, fmt.Errorf("purge: %w", err)
	}
	return purged, nil
}

// Retry moves an ERROR node back to FETCHED so the next apply tries again.
// Stale nodes and nodes without a buffer need a fresh frame first; Retry
// reports false for them.
func (r *Repository) Retry(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.graph.Get(id)
	if !ok {
		return false, fmt.Errorf("retry %s: %w", id, model.ErrUnknownNode)
	}
	if n.State != model.StateError || n.Stale || n.Buffer.IsEmpty() {
		return false, nil
	}
	if err := n.SetState(model.StateFetched); err != nil {
		return false, err
	}
	return true, nil
}

// StaleUUIDs lists the nodes waiting for a full frame, sorted.
func (r *Repository) StaleUUIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.graph.Nodes(func(n *model.Node) bool { return n.Stale }) {
		out = append(out, n.UUID)
	}
	return out
}
