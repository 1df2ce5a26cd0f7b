package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/ownership"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// Commit stages the live state of a node into its buffer.
//
// Nothing happens when the fresh dump equals the buffer, except that an
// ADDED or MODIFIED node is staged as is. FETCHED nodes are skipped: their
// buffer is remote state waiting for Apply. A caller without write rights
// gets ErrNonAuthorized and the live instance is reloaded from the buffer.
func (r *Repository) Commit(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.graph.Get(id)
	if !ok {
		return fmt.Errorf("commit %s: %w", id, model.ErrUnknownNode)
	}
	switch n.State {
	case model.StateFetched:
		return nil
	case model.StateError:
		cause := n.Err
		if cause == nil {
			cause = errors.New("node in error")
		}
		return model.NewNodeError("commit", n, model.ErrResolution, cause)
	}

	im, err := r.reg.Lookup(n.TypeID)
	if err != nil {
		return model.NewNodeError("commit", n, model.ErrConstruction, err)
	}
	inst, ok := r.resolve(n, im)
	if !ok {
		return model.NewNodeError("commit", n, model.ErrResolution, fmt.Errorf("live instance not found"))
	}
	fresh, err := im.Dump(inst)
	if err != nil {
		return model.NewNodeError("commit", n, model.ErrConstruction, err)
	}
	d, err := r.reg.Diff(n.TypeID, n.Buffer, fresh)
	if err != nil {
		return model.NewNodeError("commit", n, model.ErrConstruction, err)
	}
	if d.Empty() && n.State != model.StateAdded && n.State != model.StateModified {
		return nil
	}

	if !ownership.CanWrite(n, r.user) {
		r.rollback(n, im, inst)
		return model.NewNodeError("commit", n, model.ErrNonAuthorized, fmt.Errorf("owned by %s", n.Owner))
	}

	if n.State == model.StateUp || n.State == model.StatePushed {
		if err := n.SetState(model.StateModified); err != nil {
			return err
		}
	}
	if err := n.SetState(model.StateCommitted); err != nil {
		return err
	}
	n.Buffer = fresh

	deps, err := r.liveDependencies(im, inst, n.Owner)
	if err != nil {
		return err
	}
	r.graph.SetDependencies(n.UUID, deps)
	r.metaFor(n.UUID).gen++
	r.metrics.Committed(n.TypeID)
	r.log.Debug("node committed", "uuid", n.UUID, "type", n.TypeID, "changes", changeCount(d))
	return nil
}

// rollback reloads the last known buffer into inst, discarding a local edit
// the user had no right to make.
func (r *Repository) rollback(n *model.Node, im impl.Implementation, inst impl.Instance) {
	if err := im.Load(n.Buffer, inst); err != nil {
		r.log.Warn("rollback failed", "uuid", n.UUID, "type", n.TypeID, "error", err)
		return
	}
	if n.State == model.StateModified || n.State == model.StatePushed {
		n.ForceState(model.StateUp)
	}
	r.log.Info("local edit rolled back", "uuid", n.UUID, "owner", n.Owner)
}

// liveDependencies lists the uuids inst depends on now, adding any
// dependency the graph has not seen yet.
func (r *Repository) liveDependencies(im impl.Implementation, inst impl.Instance, owner string) ([]string, error) {
	var out []string
	for _, d := range im.ResolveDependencies(inst) {
		id, err := r.add(d, addOptions{owner: owner}, map[impl.Instance]bool{inst: true})
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func changeCount(d *diff.Delta) int {
	if d == nil {
		return 0
	}
	return len(d.Changes)
}

// CheckModified compares the live state of an UP or PUSHED node with its
// buffer and marks it MODIFIED on divergence. It reports whether the node is
// now MODIFIED.
func (r *Repository) CheckModified(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.graph.Get(id)
	if !ok {
		return false, fmt.Errorf("check %s: %w", id, model.ErrUnknownNode)
	}
	switch n.State {
	case model.StateModified:
		return true, nil
	case model.StateUp, model.StatePushed:
	default:
		return false, nil
	}

	im, err := r.reg.Lookup(n.TypeID)
	if err != nil {
		return false, model.NewNodeError("check", n, model.ErrConstruction, err)
	}
	inst, ok := r.resolve(n, im)
	if !ok {
		return false, model.NewNodeError("check", n, model.ErrResolution, fmt.Errorf("live instance not found"))
	}
	fresh, err := im.Dump(inst)
	if err != nil {
		return false, model.NewNodeError("check", n, model.ErrConstruction, err)
	}
	d, err := r.reg.Diff(n.TypeID, n.Buffer, fresh)
	if err != nil {
		return false, model.NewNodeError("check", n, model.ErrConstruction, err)
	}
	if d.Empty() {
		return false, nil
	}
	if err := n.SetState(model.StateModified); err != nil {
		return false, err
	}
	return true, nil
}

// Push publishes a COMMITTED node on the named remote and marks it PUSHED.
// Nodes in any other state are left alone. A failed publish leaves the node
// COMMITTED for the caller's next attempt.
func (r *Repository) Push(ctx context.Context, id, remote string) error {
	r.mu.Lock()
	p, ok := r.remotes[remote]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("push %s to %s: %w: %w", id, remote, model.ErrTransport, model.ErrUnknownRemote)
	}
	n, ok := r.graph.Get(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("push %s: %w", id, model.ErrUnknownNode)
	}
	if n.State != model.StateCommitted {
		r.mu.Unlock()
		return nil
	}
	if !ownership.CanWrite(n, r.user) {
		r.mu.Unlock()
		return model.NewNodeError("push", n, model.ErrNonAuthorized, fmt.Errorf("owned by %s", n.Owner))
	}
	f := r.pushFrame(n)
	gen := r.metaFor(id).gen
	ref := &model.Node{UUID: n.UUID, TypeID: n.TypeID}
	r.mu.Unlock()

	if err := p.Publish(ctx, f); err != nil {
		return model.NewNodeError("push", ref, model.ErrTransport, err)
	}
	r.metrics.FrameSent(string(f.Kind))

	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok = r.graph.Get(id)
	if !ok || n.State != model.StateCommitted || r.metaFor(id).gen != gen {
		// Removed, overwritten or recommitted while publishing.
		return nil
	}
	if err := n.SetState(model.StatePushed); err != nil {
		return err
	}
	r.setBase(id, n.Buffer)
	r.log.Debug("node pushed", "uuid", id, "remote", remote, "kind", f.Kind)
	return nil
}

// pushFrame renders n for publishing: a delta against the last shipped
// buffer when delta push is on and that base is known, a full frame
// otherwise.
func (r *Repository) pushFrame(n *model.Node) transport.Frame {
	stamp := r.clock.Next(r.user)
	if r.deltaPush {
		if base := r.metaFor(n.UUID).base; base != nil {
			d, err := r.reg.Diff(n.TypeID, *base, n.Buffer)
			if err == nil && !d.Empty() {
				return transport.Frame{
					Kind:         transport.KindDelta,
					UUID:         n.UUID,
					Owner:        n.Owner,
					TypeID:       n.TypeID,
					Delta:        d,
					Dependencies: append([]string(nil), n.Dependencies...),
					Stamp:        stamp,
					OwnerStamp:   n.OwnerStamp,
					Sender:       r.user,
				}
			}
		}
	}
	return r.nodeFrame(n, stamp)
}
