// Package ownership decides who may write a node and how ownership moves.
//
// Every node names one exclusive writer or model.Common. Locking is
// optimistic: a participant announces itself as owner and the relay
// arbitrates with Arbitrate. Conflicts between claims that raced from
// Common are settled by the Lamport total order over claim stamps, so every
// receiver picks the same winner without a coordinator.
package ownership

import (
	"fmt"
	"sort"
	"strings"

	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/graph"
	"github.com/daviddao/scenemesh/pkg/model"
)

// Policy is the session-wide rule for what deselection does to a lock.
type Policy string

const (
	// PolicyStrict keeps a lock until the owner releases it explicitly.
	PolicyStrict Policy = "STRICT"
	// PolicyCommon releases a lock back to Common on deselection.
	PolicyCommon Policy = "COMMON"
)

// ParsePolicy accepts a policy name in any case. Empty means PolicyCommon.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(PolicyCommon):
		return PolicyCommon, nil
	case string(PolicyStrict):
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("unknown rights policy %q (want STRICT or COMMON)", s)
}

// CanWrite reports whether user may commit, push or remove n.
func CanWrite(n *model.Node, user string) bool {
	return n.Owner == user || n.Owner == model.Common
}

// Accept reports whether an ownership change stamped incoming should
// replace one stamped current: the later claim in Lamport order wins.
func Accept(current, incoming clock.Stamp) bool {
	return !incoming.Less(current)
}

// Claim is one announced ownership change as seen by the relay.
type Claim struct {
	Sender string
	// PrevOwner is the owner the sender believed the node had.
	PrevOwner string
	NewOwner  string
	Stamp     clock.Stamp
}

// Arbitrate decides whether the relay accepts c against a node currently
// owned by owner with claim stamp stamp.
//
// A claim is accepted when the sender already owns the node, when the
// sender's view of the owner is current, or when both the sender and the
// current owner took the node from Common concurrently and c is later in
// Lamport order.
func Arbitrate(owner string, stamp clock.Stamp, c Claim) bool {
	switch {
	case owner == c.Sender:
		return true
	case owner == c.PrevOwner:
		return true
	case c.PrevOwner == model.Common && stamp.Less(c.Stamp):
		return true
	}
	return false
}

// Result reports the outcome of a cascading ownership change.
type Result struct {
	// Changed lists the nodes whose owner changes, root first, then
	// dependencies in dependency-first order.
	Changed []string `json:"changed,omitempty"`
	// Skipped lists dependencies that could not be acquired because someone
	// else owns them, or that are not in the graph.
	Skipped []string `json:"skipped,omitempty"`
}

// Partial reports whether some requested nodes were not acquired.
func (r Result) Partial() bool { return len(r.Skipped) > 0 }

// Plan computes a change of root's owner to newOwner on behalf of user.
// Recursive plans also cover the transitive dependencies of root, best
// effort: dependencies owned by a third party are skipped and reported, not
// fatal. The root itself must be writable by user.
func Plan(g *graph.Graph, root, user, newOwner string, recursive bool) (Result, error) {
	n, ok := g.Get(root)
	if !ok {
		return Result{}, fmt.Errorf("change owner %s: %w", root, model.ErrUnknownNode)
	}
	if !CanWrite(n, user) {
		return Result{}, model.NewNodeError("change owner", n, model.ErrNonAuthorized,
			fmt.Errorf("owned by %s", n.Owner))
	}

	var res Result
	if n.Owner != newOwner {
		res.Changed = append(res.Changed, root)
	}
	if !recursive {
		return res, nil
	}
	for _, id := range g.Closure(root) {
		dep, ok := g.Get(id)
		switch {
		case !ok:
			res.Skipped = append(res.Skipped, id)
		case dep.Owner == newOwner:
		case CanWrite(dep, user):
			res.Changed = append(res.Changed, id)
		default:
			res.Skipped = append(res.Skipped, id)
		}
	}
	return res, nil
}

// Releases returns the nodes user should hand back to Common after
// deselecting the given uuids while keeping selected selected.
//
// Under PolicyStrict nothing is released; the owner keeps every lock until an
// explicit unlock, and so do the dependencies locked with a deselected
// container. Under PolicyCommon each deselected node owned by user is
// released together with the dependencies user owns that no node in selected
// still needs. Result is sorted.
func Releases(policy Policy, g *graph.Graph, user string, deselected, selected []string) []string {
	if policy != PolicyCommon {
		return nil
	}

	keep := make(map[string]bool)
	for _, id := range selected {
		keep[id] = true
		for _, d := range g.Closure(id) {
			keep[d] = true
		}
	}

	out := make(map[string]struct{})
	consider := func(id string) {
		if keep[id] {
			return
		}
		if n, ok := g.Get(id); ok && n.Owner == user {
			out[id] = struct{}{}
		}
	}
	for _, id := range deselected {
		consider(id)
		for _, d := range g.Closure(id) {
			consider(d)
		}
	}

	ids := make([]string, 0, len(out))
	for id := range out {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
