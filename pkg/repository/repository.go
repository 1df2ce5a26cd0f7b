// Package repository is the per-process replication engine.
//
// A Repository owns one participant's copy of the dependency graph and
// implements the porcelain: add, commit, push, fetch, apply, remove,
// change-owner and purge. It is an explicit object: every session holds its
// own, nothing is global.
//
// Concurrency: the receive loop, the periodic tasks and host-triggered calls
// may run on different goroutines. One coarse mutex guards the graph, the
// ownership fields and the clock-dependent bookkeeping. Operations are short;
// transport I/O is always performed after the mutex is released.
//
// Host callbacks (Dump, Load, Construct, Resolve) do run under the mutex.
// They must not call back into the repository.
package repository

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/graph"
	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/logging"
	"github.com/daviddao/scenemesh/pkg/metrics"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// Repository is one participant's replicated graph.
type Repository struct {
	mu      sync.Mutex
	user    string
	reg     *impl.Registry
	graph   *graph.Graph
	clock   *clock.Clock
	remotes map[string]transport.Publisher
	meta    map[string]*nodeMeta

	deltaPush bool
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// nodeMeta is per-node bookkeeping that never leaves this process.
type nodeMeta struct {
	// base is the buffer the remote side is known to hold; delta pushes
	// are computed against it.
	base *model.Buffer
	// gen counts commits so a push racing a newer commit does not mark the
	// newer buffer as shipped.
	gen uint64
}

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Repository) { r.log = l } }

// WithMetrics records replication metrics on m.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Repository) { r.metrics = m } }

// WithClock shares a Lamport clock with the caller.
func WithClock(c *clock.Clock) Option { return func(r *Repository) { r.clock = c } }

// WithDeltaPush ships diffs instead of full buffers when the remote base is
// known.
func WithDeltaPush(on bool) Option { return func(r *Repository) { r.deltaPush = on } }

// New returns an empty repository for user.
func New(user string, reg *impl.Registry, opts ...Option) *Repository {
	r := &Repository{
		user:    user,
		reg:     reg,
		graph:   graph.New(),
		remotes: make(map[string]transport.Publisher),
		meta:    make(map[string]*nodeMeta),
	}
	for _, o := range opts {
		o(r)
	}
	if r.clock == nil {
		r.clock = &clock.Clock{}
	}
	r.log = logging.OrDefault(r.log).With("user", user)
	return r
}

// User returns the local participant's name.
func (r *Repository) User() string { return r.user }

// Clock returns the repository's Lamport clock.
func (r *Repository) Clock() *clock.Clock { return r.clock }

// Registry returns the type registry.
func (r *Repository) Registry() *impl.Registry { return r.reg }

func (r *Repository) metaFor(id string) *nodeMeta {
	m, ok := r.meta[id]
	if !ok {
		m = &nodeMeta{}
		r.meta[id] = m
	}
	return m
}

func (r *Repository) setBase(id string, b model.Buffer) {
	c := b.Clone()
	r.metaFor(id).base = &c
}

// ----------------------------------------------------------------------------
// Remotes
// ----------------------------------------------------------------------------

// AddRemote registers a named publish channel.
func (r *Repository) AddRemote(name string, p transport.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[name] = p
}

// RemoveRemote forgets a publish channel.
func (r *Repository) RemoveRemote(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.remotes, name)
}

// Remotes returns the registered remote names.
func (r *Repository) Remotes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.remotes))
	for name := range r.remotes {
		out = append(out, name)
	}
	return out
}

func (r *Repository) publishers() []transport.Publisher {
	out := make([]transport.Publisher, 0, len(r.remotes))
	for _, p := range r.remotes {
		out = append(out, p)
	}
	return out
}

// ----------------------------------------------------------------------------
// Add
// ----------------------------------------------------------------------------

// AddOption tunes Add.
type AddOption func(*addOptions)

type addOptions struct {
	owner string
}

// WithOwner sets the owner of added nodes (model.Common for shared nodes).
func WithOwner(owner string) AddOption { return func(o *addOptions) { o.owner = owner } }

// Add registers inst as a new node in state ADDED, adding its unresolved
// dependencies first. It returns the node's uuid; adding an instance that is
// already in the graph returns its existing uuid.
func (r *Repository) Add(inst impl.Instance, opts ...AddOption) (string, error) {
	o := addOptions{owner: r.user}
	for _, fn := range opts {
		fn(&o)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(inst, o, make(map[impl.Instance]bool))
}

func (r *Repository) add(inst impl.Instance, o addOptions, visiting map[impl.Instance]bool) (string, error) {
	if id := inst.UUID(); id != "" && r.graph.Has(id) {
		return id, nil
	}
	if inst.UUID() == "" {
		inst.SetUUID(uuid.NewString())
	}
	if visiting[inst] {
		// Cycle: the node is added by the frame that started the visit.
		return inst.UUID(), nil
	}
	visiting[inst] = true

	im, err := r.reg.Lookup(inst.TypeID())
	if err != nil {
		return "", fmt.Errorf("add %s: %w", inst.UUID(), err)
	}

	var deps []string
	for _, d := range im.ResolveDependencies(inst) {
		id, err := r.add(d, o, visiting)
		if err != nil {
			return "", err
		}
		deps = append(deps, id)
	}

	n := &model.Node{
		UUID:         inst.UUID(),
		TypeID:       inst.TypeID(),
		Owner:        o.owner,
		OwnerStamp:   r.clock.Next(r.user),
		State:        model.StateAdded,
		Dependencies: deps,
		Instance:     inst,
	}
	buf, err := im.Dump(inst)
	if err != nil {
		return "", model.NewNodeError("add", n, model.ErrConstruction, err)
	}
	n.Buffer = buf
	r.graph.Put(n)
	r.log.Debug("node added", "uuid", n.UUID, "type", n.TypeID, "owner", n.Owner, "deps", len(n.Dependencies))
	return n.UUID, nil
}

// ----------------------------------------------------------------------------
// Queries
// ----------------------------------------------------------------------------

// Filter selects nodes in List. Empty fields match everything.
type Filter struct {
	Owner  string
	TypeID string
	State  model.State
}

func (f Filter) match(n *model.Node) bool {
	return (f.Owner == "" || n.Owner == f.Owner) &&
		(f.TypeID == "" || n.TypeID == f.TypeID) &&
		(f.State == "" || n.State == f.State)
}

// List returns copies of the matching nodes, sorted by uuid.
func (r *Repository) List(f Filter) []model.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Node
	for _, n := range r.graph.Nodes(f.match) {
		out = append(out, n.Clone())
	}
	return out
}

// Get returns a copy of one node.
func (r *Repository) Get(id string) (model.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.graph.Get(id)
	if !ok {
		return model.Node{}, false
	}
	return n.Clone(), true
}

// Len returns the number of nodes.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.Len()
}

// UUIDs returns every node uuid, sorted.
func (r *Repository) UUIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.UUIDs()
}

// Ordered sorts ids dependencies first, breaking ties by kind priority.
// Unknown ids are dropped.
func (r *Repository) Ordered(ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.Order(ids, r.reg.Priority)
}

// Dependents returns the direct parents of id.
func (r *Repository) Dependents(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph.Dependents(id)
}

// States counts nodes per state and refreshes the node gauge.
func (r *Repository) States() map[model.State]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[model.State]int)
	for _, n := range r.graph.Nodes(nil) {
		counts[n.State]++
	}
	r.metrics.NodeStates(counts)
	return counts
}

// Invalidate drops every cached live handle. Call it after a host event that
// may have replaced live objects (undo, redo, file reload).
func (r *Repository) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.graph.Nodes(nil) {
		n.Instance = nil
	}
}

// resolve returns n's live instance, re-resolving through the host when the
// cache is empty. A match found by name is bound to n's uuid.
func (r *Repository) resolve(n *model.Node, im impl.Implementation) (impl.Instance, bool) {
	if inst, ok := n.Instance.(impl.Instance); ok && inst != nil {
		return inst, true
	}
	inst, ok := im.Resolve(n.UUID, n.Buffer)
	if !ok {
		return nil, false
	}
	if inst.UUID() != n.UUID {
		inst.SetUUID(n.UUID)
	}
	n.Instance = inst
	return inst, true
}

// satisfied reports whether dependency id exists with a live counterpart.
func (r *Repository) satisfied(id string) bool {
	n, ok := r.graph.Get(id)
	return ok && n.State.HasLiveInstance()
}

// nodeFrame renders n as a full node frame.
func (r *Repository) nodeFrame(n *model.Node, stamp clock.Stamp) transport.Frame {
	buf := n.Buffer.Clone()
	return transport.Frame{
		Kind:         transport.KindNode,
		UUID:         n.UUID,
		Owner:        n.Owner,
		TypeID:       n.TypeID,
		Payload:      &buf,
		Dependencies: append([]string(nil), n.Dependencies...),
		Stamp:        stamp,
		OwnerStamp:   n.OwnerStamp,
		Sender:       r.user,
	}
}

// Snapshot renders the whole graph as dependency-ordered node frames
// terminated by the SnapshotEnd marker.
func (r *Repository) Snapshot() []transport.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	stamp := clock.Stamp{TS: r.clock.Value(), Origin: r.user}
	order := r.graph.Order(r.graph.UUIDs(), r.reg.Priority)
	out := make([]transport.Frame, 0, len(order)+1)
	for _, id := range order {
		n, _ := r.graph.Get(id)
		if n.Buffer.IsEmpty() {
			continue
		}
		out = append(out, r.nodeFrame(n, stamp))
	}
	return append(out, transport.EndOfSnapshot())
}
