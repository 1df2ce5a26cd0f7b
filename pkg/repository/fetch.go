package repository

import (
	"errors"
	"fmt"

	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/ownership"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// Action is what Fetch did with a frame.
type Action string

const (
	ActionIgnored  Action = "ignored"
	ActionEcho     Action = "echo"
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionPatched  Action = "patched"
	ActionStale    Action = "stale"
	ActionRemoved  Action = "removed"
	ActionOwner    Action = "owner"
	ActionRejected Action = "rejected"
)

// FetchResult reports the outcome of one Fetch.
type FetchResult struct {
	UUID   string
	Action Action
	// Rejected is set when the relay refused one of our frames. It wraps
	// model.ErrNonAuthorized; the node has already been rolled back to the
	// authoritative state.
	Rejected error
}

// Fetch stores one received frame in the graph.
//
// Node frames create or overwrite the node and leave it FETCHED for Apply.
// Ownership follows the later claim in Lamport order. A delta that does not
// patch the local buffer leaves the node ERROR and stale until a full frame
// arrives. Frames the local participant sent itself are recognized and
// ignored.
func (r *Repository) Fetch(f transport.Frame) (FetchResult, error) {
	res := FetchResult{UUID: f.UUID, Action: ActionIgnored}
	if err := f.Validate(); err != nil {
		return res, err
	}
	r.clock.Receive(max(f.Stamp.TS, f.OwnerStamp.TS))
	r.metrics.FrameReceived(string(f.Kind))

	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case f.IsSnapshotEnd(), f.Kind == transport.KindUser, f.Kind == transport.KindLeave:
		return res, nil
	case f.Kind == transport.KindReject:
		return r.fetchReject(f), nil
	case r.isEcho(f):
		res.Action = ActionEcho
		return res, nil
	case f.IsTombstone():
		res.Action = r.fetchTombstone(f)
	case f.Kind == transport.KindNode:
		res.Action = r.fetchNode(f)
	case f.Kind == transport.KindDelta:
		res.Action = r.fetchDelta(f)
	case f.Kind == transport.KindOwner:
		res.Action = r.fetchOwner(f)
	}
	return res, nil
}

// isEcho reports whether f is our own change coming back: we sent it, or it
// names us as owner of a node we hold authoritatively.
func (r *Repository) isEcho(f transport.Frame) bool {
	n, ok := r.graph.Get(f.UUID)
	if !ok {
		return false
	}
	if f.Sender == r.user {
		return true
	}
	return f.Owner == r.user && n.Owner == r.user &&
		n.State != model.StateFetched && n.State != model.StateError
}

func (r *Repository) fetchNode(f transport.Frame) Action {
	action := ActionUpdated
	n, ok := r.graph.Get(f.UUID)
	if !ok {
		action = ActionCreated
		n = &model.Node{UUID: f.UUID, Owner: model.Common, State: model.StateFetched}
	}
	n.TypeID = f.TypeID
	r.takeOwner(n, f, !ok)
	n.Buffer = f.Payload.Clone()
	n.Stale = false
	n.Dependencies = f.Dependencies
	if ok {
		r.setFetched(n)
	}
	r.graph.Put(n)
	r.setBase(n.UUID, n.Buffer)
	r.log.Debug("node fetched", "uuid", n.UUID, "type", n.TypeID, "owner", n.Owner, "action", action)
	return action
}

func (r *Repository) fetchDelta(f transport.Frame) Action {
	n, ok := r.graph.Get(f.UUID)
	if !ok {
		n = &model.Node{UUID: f.UUID, TypeID: f.TypeID, Owner: model.Common, Stale: true}
		r.takeOwner(n, f, true)
		n.Fail(model.NewNodeError("fetch", n, model.ErrTransport, fmt.Errorf("delta for unknown node: %w", diff.ErrBaseMismatch)))
		r.graph.Put(n)
		r.log.Warn("delta for unknown node", "uuid", f.UUID, "type", f.TypeID)
		return ActionStale
	}

	patched, err := diff.Patch(n.Buffer, f.Delta)
	if err != nil {
		n.Fail(model.NewNodeError("fetch", n, model.ErrTransport, err))
		n.Stale = true
		r.log.Warn("delta does not apply", "uuid", n.UUID, "type", n.TypeID, "error", err)
		return ActionStale
	}
	r.takeOwner(n, f, false)
	n.Buffer = patched
	n.Stale = false
	r.setFetched(n)
	if f.Dependencies != nil {
		r.graph.SetDependencies(n.UUID, f.Dependencies)
	}
	r.setBase(n.UUID, n.Buffer)
	return ActionPatched
}

func (r *Repository) fetchOwner(f transport.Frame) Action {
	n, ok := r.graph.Get(f.UUID)
	if !ok {
		return ActionIgnored
	}
	if !ownership.Accept(n.OwnerStamp, f.OwnerStamp) {
		r.log.Debug("stale owner claim", "uuid", n.UUID, "owner", n.Owner, "claim", f.Owner)
		return ActionIgnored
	}
	n.Owner = f.Owner
	n.OwnerStamp = f.OwnerStamp
	return ActionOwner
}

func (r *Repository) fetchTombstone(f transport.Frame) Action {
	n, ok := r.graph.Get(f.UUID)
	if !ok {
		return ActionIgnored
	}
	if n.State.HasLiveInstance() {
		r.removeInstance(n)
	}
	r.drop(n.UUID)
	r.log.Debug("node removed by peer", "uuid", n.UUID, "type", n.TypeID, "sender", f.Sender)
	return ActionRemoved
}

// fetchReject restores the authoritative state the relay sent back with a
// refusal. The next Apply reloads it into the live instance.
func (r *Repository) fetchReject(f transport.Frame) FetchResult {
	res := FetchResult{UUID: f.UUID, Action: ActionRejected}
	n, ok := r.graph.Get(f.UUID)
	if !ok {
		n = &model.Node{UUID: f.UUID, TypeID: f.TypeID, State: model.StateFetched}
	}
	reason := errors.New(f.Error)
	if f.Error == "" {
		reason = errors.New("refused by relay")
	}
	res.Rejected = model.NewNodeError("push", n, model.ErrNonAuthorized, reason)

	if f.Owner != "" {
		n.Owner = f.Owner
		n.OwnerStamp = f.OwnerStamp
	}
	if f.Payload != nil && !f.Payload.IsEmpty() {
		n.Buffer = f.Payload.Clone()
		n.Stale = false
		n.ForceState(model.StateFetched)
		if f.Dependencies != nil {
			n.Dependencies = f.Dependencies
		}
		r.setBase(n.UUID, n.Buffer)
	}
	if !ok {
		if n.Buffer.IsEmpty() {
			return res
		}
		r.graph.Put(n)
	} else if f.Dependencies != nil {
		r.graph.SetDependencies(n.UUID, f.Dependencies)
	}
	r.log.Warn("frame rejected by relay", "uuid", n.UUID, "owner", n.Owner, "error", reason)
	return res
}

// takeOwner adopts the frame's owner when its claim is not older than ours.
func (r *Repository) takeOwner(n *model.Node, f transport.Frame, fresh bool) {
	if f.Owner == "" {
		return
	}
	if fresh || ownership.Accept(n.OwnerStamp, f.OwnerStamp) {
		n.Owner = f.Owner
		n.OwnerStamp = f.OwnerStamp
	}
}

// setFetched moves n to FETCHED. A local edit is overwritten; edges the
// state machine does not allow (an ADDED node hit by a uuid collision) are
// forced and logged.
func (r *Repository) setFetched(n *model.Node) {
	if n.State.IsLocalEdit() && n.State != model.StateAdded {
		r.log.Info("local edit overwritten by remote", "uuid", n.UUID, "state", n.State)
	}
	if err := n.SetState(model.StateFetched); err != nil {
		r.log.Warn("forcing fetched state", "uuid", n.UUID, "error", err)
		n.ForceState(model.StateFetched)
	}
}

// removeInstance deletes the live counterpart of n when its kind can.
func (r *Repository) removeInstance(n *model.Node) {
	im, err := r.reg.Lookup(n.TypeID)
	if err != nil {
		return
	}
	rm, ok := im.(impl.Remover)
	if !ok {
		return
	}
	inst, ok := r.resolve(n, im)
	if !ok {
		return
	}
	if err := rm.Remove(inst); err != nil {
		r.log.Warn("remove live instance", "uuid", n.UUID, "type", n.TypeID, "error", err)
	}
}

// drop forgets a node and its bookkeeping.
func (r *Repository) drop(id string) {
	r.graph.Remove(id)
	delete(r.meta, id)
}
