package repository

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/impl/memhost"
	"github.com/daviddao/scenemesh/pkg/logging"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/ownership"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// wire records what a repository publishes.
type wire struct {
	mu     sync.Mutex
	frames []transport.Frame
	fail   error
}

func (w *wire) Publish(_ context.Context, f transport.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.frames = append(w.frames, f)
	return nil
}

func (w *wire) take() []transport.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.frames
	w.frames = nil
	return out
}

type peer struct {
	host *memhost.Host
	repo *Repository
	out  *wire
}

func newPeer(t *testing.T, user string, opts ...Option) *peer {
	t.Helper()
	h := memhost.NewHost()
	reg := impl.NewRegistry()
	require.NoError(t, memhost.Register(reg, h))
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	p := &peer{host: h, repo: New(user, reg, opts...), out: &wire{}}
	p.repo.AddRemote("relay", p.out)
	return p
}

// receive feeds frames through the wire codec into p.
func (p *peer) receive(t *testing.T, frames ...transport.Frame) []FetchResult {
	t.Helper()
	var out []FetchResult
	for _, f := range frames {
		data, err := transport.Encode(f)
		require.NoError(t, err)
		g, err := transport.Decode(data)
		require.NoError(t, err)
		res, err := p.repo.Fetch(g)
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

// publishAll commits and pushes every node and returns the frames sent.
func (p *peer) publishAll(t *testing.T) []transport.Frame {
	t.Helper()
	for _, id := range p.repo.UUIDs() {
		require.NoError(t, p.repo.Commit(id))
		require.NoError(t, p.repo.Push(context.Background(), id, "relay"))
	}
	return p.out.take()
}

func (p *peer) state(t *testing.T, id string) model.State {
	t.Helper()
	n, ok := p.repo.Get(id)
	require.True(t, ok, "node %s missing", id)
	return n.State
}

func (p *peer) scene(t *testing.T, id string) *memhost.Scene {
	t.Helper()
	inst, ok := p.host.Find(id)
	require.True(t, ok, "no live instance for %s", id)
	s, ok := inst.(*memhost.Scene)
	require.True(t, ok)
	return s
}

// joined returns a participant that applied host's snapshot.
func joined(t *testing.T, host *peer, user string) *peer {
	t.Helper()
	p := newPeer(t, user)
	p.receive(t, host.repo.Snapshot()...)
	rep := p.repo.ApplyPending()
	require.Empty(t, rep.Failed)
	return p
}

// sharedScene hosts one Common scene with a fixed uuid.
func sharedScene(t *testing.T, id string) *peer {
	t.Helper()
	h := newPeer(t, "host")
	s := memhost.NewScene(id)
	s.SetUUID(id)
	h.host.Add(s)
	_, err := h.repo.Add(s, WithOwner(model.Common))
	require.NoError(t, err)
	h.publishAll(t)
	return h
}

// ----------------------------------------------------------------------------
// Add / commit / push
// ----------------------------------------------------------------------------

func TestAdd_DependenciesFirst(t *testing.T) {
	p := newPeer(t, "alice")
	scene := memhost.DemoScene(p.host, "Scene")

	id, err := p.repo.Add(scene)
	require.NoError(t, err)
	assert.Equal(t, scene.UUID(), id)
	assert.Equal(t, 6, p.repo.Len())

	for _, n := range p.repo.List(Filter{}) {
		assert.Equal(t, model.StateAdded, n.State, n.UUID)
		assert.Equal(t, "alice", n.Owner)
		for _, d := range n.Dependencies {
			_, ok := p.repo.Get(d)
			assert.True(t, ok, "%s depends on missing %s", n.UUID, d)
		}
	}
	n, _ := p.repo.Get(id)
	assert.Equal(t, []string{scene.Collections[0].UUID()}, n.Dependencies)

	again, err := p.repo.Add(scene)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 6, p.repo.Len())
}

func TestAdd_WithOwnerCommon(t *testing.T) {
	p := newPeer(t, "alice")
	_, err := p.repo.Add(memhost.DemoScene(p.host, "Scene"), WithOwner(model.Common))
	require.NoError(t, err)
	assert.Len(t, p.repo.List(Filter{Owner: model.Common}), 6)
	assert.Len(t, p.repo.List(Filter{TypeID: memhost.KindObject}), 2)
}

func TestCommitPush_Lifecycle(t *testing.T) {
	ctx := context.Background()
	p := newPeer(t, "alice")
	obj := memhost.NewObject("Empty")
	p.host.Add(obj)
	id, err := p.repo.Add(obj)
	require.NoError(t, err)

	require.NoError(t, p.repo.Commit(id))
	assert.Equal(t, model.StateCommitted, p.state(t, id))
	require.NoError(t, p.repo.Push(ctx, id, "relay"))
	assert.Equal(t, model.StatePushed, p.state(t, id))
	require.Len(t, p.out.take(), 1)

	// Nothing changed: commit is a no-op.
	require.NoError(t, p.repo.Commit(id))
	assert.Equal(t, model.StatePushed, p.state(t, id))

	p.host.Edit(func() { obj.Location = [3]float64{1, 2, 3} })
	modified, err := p.repo.CheckModified(id)
	require.NoError(t, err)
	assert.True(t, modified)
	assert.Equal(t, model.StateModified, p.state(t, id))

	require.NoError(t, p.repo.Commit(id))
	assert.Equal(t, model.StateCommitted, p.state(t, id))
	require.NoError(t, p.repo.Push(ctx, id, "relay"))
	frames := p.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, transport.KindNode, frames[0].Kind)
	assert.Equal(t, []float64{1, 2, 3}, frames[0].Payload.Fields["location"])
}

func TestCheckModified_CleanNode(t *testing.T) {
	p := newPeer(t, "alice")
	obj := memhost.NewObject("Empty")
	p.host.Add(obj)
	id, _ := p.repo.Add(obj)
	require.NoError(t, p.repo.Commit(id))
	require.NoError(t, p.repo.Push(context.Background(), id, "relay"))

	modified, err := p.repo.CheckModified(id)
	require.NoError(t, err)
	assert.False(t, modified)
	assert.Equal(t, model.StatePushed, p.state(t, id))
}

func TestPush_UnknownRemote(t *testing.T) {
	p := newPeer(t, "alice")
	obj := memhost.NewObject("Empty")
	p.host.Add(obj)
	id, _ := p.repo.Add(obj)
	require.NoError(t, p.repo.Commit(id))

	err := p.repo.Push(context.Background(), id, "nowhere")
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.ErrorIs(t, err, model.ErrUnknownRemote)
	assert.Equal(t, model.StateCommitted, p.state(t, id))
}

func TestPush_FailureKeepsCommitted(t *testing.T) {
	p := newPeer(t, "alice")
	obj := memhost.NewObject("Empty")
	p.host.Add(obj)
	id, _ := p.repo.Add(obj)
	require.NoError(t, p.repo.Commit(id))

	p.out.fail = errors.New("connection reset")
	err := p.repo.Push(context.Background(), id, "relay")
	assert.ErrorIs(t, err, model.ErrTransport)
	assert.Equal(t, model.StateCommitted, p.state(t, id))

	p.out.fail = nil
	require.NoError(t, p.repo.Push(context.Background(), id, "relay"))
	assert.Equal(t, model.StatePushed, p.state(t, id))
}

func TestPush_OnlyCommittedNodes(t *testing.T) {
	p := newPeer(t, "alice")
	obj := memhost.NewObject("Empty")
	p.host.Add(obj)
	id, _ := p.repo.Add(obj)

	require.NoError(t, p.repo.Push(context.Background(), id, "relay"))
	assert.Empty(t, p.out.take())
	assert.Equal(t, model.StateAdded, p.state(t, id))
}

// ----------------------------------------------------------------------------
// Fetch / apply
// ----------------------------------------------------------------------------

func TestSnapshot_CompleteAndOrdered(t *testing.T) {
	h := newPeer(t, "host")
	_, err := h.repo.Add(memhost.DemoScene(h.host, "Scene"), WithOwner(model.Common))
	require.NoError(t, err)

	frames := h.repo.Snapshot()
	require.True(t, frames[len(frames)-1].IsSnapshotEnd())

	seen := make(map[string]bool)
	for _, f := range frames[:len(frames)-1] {
		for _, d := range f.Dependencies {
			assert.True(t, seen[d], "%s sent before its dependency %s", f.UUID, d)
		}
		seen[f.UUID] = true
	}

	c := newPeer(t, "alice")
	c.receive(t, frames...)
	assert.Equal(t, h.repo.UUIDs(), c.repo.UUIDs())

	rep := c.repo.ApplyPending()
	assert.Empty(t, rep.Failed)
	assert.Len(t, rep.Applied, 6)
	assert.Len(t, c.repo.List(Filter{State: model.StateUp}), 6)
}

// Round-trip idempotence across two hosts: every applied node dumps back to
// the buffer it was built from.
func TestRoundTrip_ThroughRepositories(t *testing.T) {
	h := newPeer(t, "host")
	_, err := h.repo.Add(memhost.DemoScene(h.host, "Scene"), WithOwner(model.Common))
	require.NoError(t, err)
	frames := h.publishAll(t)

	c := newPeer(t, "alice")
	c.receive(t, frames...)
	require.Empty(t, c.repo.ApplyPending().Failed)

	for _, n := range c.repo.List(Filter{}) {
		im, err := c.repo.Registry().Lookup(n.TypeID)
		require.NoError(t, err)
		inst, ok := c.host.Find(n.UUID)
		require.True(t, ok)
		after, err := im.Dump(inst)
		require.NoError(t, err)
		d, err := c.repo.Registry().Diff(n.TypeID, n.Buffer, after)
		require.NoError(t, err)
		assert.Nil(t, d, "%s %s", n.TypeID, n.UUID)
	}
	assert.Equal(t, h.host.Len(), c.host.Len())
}

// Dependency-before-dependent: a chain a -> b -> c arrives in every order,
// one frame at a time, and is always applied c, b, a.
func TestApplyPending_ShuffledChain(t *testing.T) {
	src := newPeer(t, "host")
	a, b, c := memhost.NewCollection("a"), memhost.NewCollection("b"), memhost.NewCollection("c")
	a.Children = []*memhost.Collection{b}
	b.Children = []*memhost.Collection{c}
	for _, col := range []*memhost.Collection{a, b, c} {
		src.host.Add(col)
	}
	_, err := src.repo.Add(a)
	require.NoError(t, err)
	frames := src.publishAll(t)
	require.Len(t, frames, 3)
	want := []string{c.UUID(), b.UUID(), a.UUID()}

	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		shuffled := append([]transport.Frame(nil), frames...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		dst := newPeer(t, "alice")
		var applied []string
		for _, f := range shuffled {
			dst.receive(t, f)
			applied = append(applied, dst.repo.ApplyPending().Applied...)
		}
		assert.Equal(t, want, applied, "seed %d", seed)
		assert.Len(t, dst.repo.List(Filter{State: model.StateUp}), 3, "seed %d", seed)
	}
}

func TestApplyPending_BreaksCycles(t *testing.T) {
	src := newPeer(t, "host")
	a, b := memhost.NewCollection("a"), memhost.NewCollection("b")
	a.Children = []*memhost.Collection{b}
	b.Children = []*memhost.Collection{a}
	src.host.Add(a)
	src.host.Add(b)
	_, err := src.repo.Add(a)
	require.NoError(t, err)
	require.Equal(t, 2, src.repo.Len())

	dst := newPeer(t, "alice")
	dst.receive(t, src.publishAll(t)...)
	rep := dst.repo.ApplyPending()
	assert.Empty(t, rep.Failed)
	assert.ElementsMatch(t, []string{a.UUID(), b.UUID()}, rep.Applied)

	inst, ok := dst.host.Find(a.UUID())
	require.True(t, ok)
	got := inst.(*memhost.Collection)
	require.Len(t, got.Children, 1)
	assert.Equal(t, b.UUID(), got.Children[0].UUID())
}

func TestApplyPending_MissingDependencyThenArrival(t *testing.T) {
	src := newPeer(t, "host")
	_, err := src.repo.Add(memhost.DemoScene(src.host, "Scene"))
	require.NoError(t, err)
	byKind := make(map[string][]transport.Frame)
	for _, f := range src.publishAll(t) {
		byKind[f.TypeID] = append(byKind[f.TypeID], f)
	}

	dst := newPeer(t, "alice")
	dst.receive(t, byKind[memhost.KindObject]...)
	rep := dst.repo.ApplyPending()
	require.Len(t, rep.Applied, 1, "the empty has no dependencies")
	require.Len(t, rep.Unresolved, 1)
	cube := rep.Unresolved[0]
	assert.Equal(t, model.StateError, dst.state(t, cube))
	assert.ErrorIs(t, rep.Failed[cube], model.ErrResolution)

	dst.receive(t, byKind[memhost.KindMesh]...)
	dst.receive(t, byKind[memhost.KindImage]...)
	rep = dst.repo.ApplyPending()
	assert.Empty(t, rep.Failed)
	assert.Len(t, rep.Applied, 3)
	assert.Equal(t, model.StateUp, dst.state(t, cube))
}

func TestApply_SingleNodeWaitsForDependencies(t *testing.T) {
	src := newPeer(t, "host")
	scene := memhost.DemoScene(src.host, "Scene")
	_, err := src.repo.Add(scene)
	require.NoError(t, err)

	dst := newPeer(t, "alice")
	dst.receive(t, src.repo.Snapshot()...)
	err = dst.repo.Apply(scene.UUID())
	assert.ErrorIs(t, err, model.ErrResolution)
	assert.Equal(t, model.StateFetched, dst.state(t, scene.UUID()))
}

func TestApplyPending_ConstructionErrorIsIsolated(t *testing.T) {
	dst := newPeer(t, "alice")
	dst.receive(t,
		transport.Frame{Kind: transport.KindNode, UUID: "bad-mesh", TypeID: memhost.KindMesh, Owner: model.Common,
			Payload: &model.Buffer{Fields: map[string]any{"name": "bad", "vertices": []any{1.0, 2.0}}}},
		transport.Frame{Kind: transport.KindNode, UUID: "ok-scene", TypeID: memhost.KindScene, Owner: model.Common,
			Payload: &model.Buffer{Fields: map[string]any{"name": "s", "frame_start": 1, "frame_end": 10}}},
	)
	rep := dst.repo.ApplyPending()
	assert.Equal(t, []string{"ok-scene"}, rep.Applied)
	require.Contains(t, rep.Failed, "bad-mesh")
	assert.ErrorIs(t, rep.Failed["bad-mesh"], model.ErrConstruction)

	var ne *model.NodeError
	require.ErrorAs(t, rep.Failed["bad-mesh"], &ne)
	assert.Equal(t, "vertices", ne.Field)
	assert.Equal(t, model.StateError, dst.state(t, "bad-mesh"))
}

func TestFetch_EchoIgnored(t *testing.T) {
	p := newPeer(t, "alice")
	obj := memhost.NewObject("Empty")
	p.host.Add(obj)
	id, _ := p.repo.Add(obj)
	frames := p.publishAll(t)

	res := p.receive(t, frames...)
	assert.Equal(t, ActionEcho, res[0].Action)
	assert.Equal(t, model.StatePushed, p.state(t, id))
}

func TestFetch_TombstoneRemovesLiveInstance(t *testing.T) {
	ctx := context.Background()
	h := newPeer(t, "host")
	obj := memhost.NewObject("Empty")
	h.host.Add(obj)
	id, _ := h.repo.Add(obj, WithOwner(model.Common))
	h.publishAll(t)
	c := joined(t, h, "alice")
	require.Equal(t, 1, c.host.Len())

	removed, err := h.repo.Remove(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, removed)

	res := c.receive(t, h.out.take()...)
	assert.Equal(t, ActionRemoved, res[0].Action)
	assert.Equal(t, 0, c.repo.Len())
	assert.Equal(t, 0, c.host.Len())
}

// ----------------------------------------------------------------------------
// Ownership
// ----------------------------------------------------------------------------

// Host creates scene-1 as Common. Alice joins, locks, edits and pushes; the
// host applies her edit. Bob's conflicting commit is refused and rolled back.
func TestScenario_LockEditConflict(t *testing.T) {
	ctx := context.Background()
	h := sharedScene(t, "scene-1")
	alice := joined(t, h, "alice")
	bob := joined(t, h, "bob")
	assert.Equal(t, model.StateUp, alice.state(t, "scene-1"))

	res, err := alice.repo.Lock(ctx, "scene-1", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"scene-1"}, res.Changed)
	lock := alice.out.take()
	h.receive(t, lock...)
	bob.receive(t, lock...)
	for _, p := range []*peer{h, alice, bob} {
		n, _ := p.repo.Get("scene-1")
		assert.Equal(t, "alice", n.Owner)
	}

	live := alice.scene(t, "scene-1")
	alice.host.Edit(func() { live.FrameEnd = 100 })
	modified, err := alice.repo.CheckModified("scene-1")
	require.NoError(t, err)
	require.True(t, modified)
	assert.Equal(t, model.StateModified, alice.state(t, "scene-1"))
	require.NoError(t, alice.repo.Commit("scene-1"))
	assert.Equal(t, model.StateCommitted, alice.state(t, "scene-1"))
	require.NoError(t, alice.repo.Push(ctx, "scene-1", "relay"))
	assert.Equal(t, model.StatePushed, alice.state(t, "scene-1"))

	edit := alice.out.take()
	h.receive(t, edit...)
	assert.Equal(t, model.StateFetched, h.state(t, "scene-1"))
	require.Empty(t, h.repo.ApplyPending().Failed)
	assert.Equal(t, model.StateUp, h.state(t, "scene-1"))
	assert.Equal(t, 100, h.scene(t, "scene-1").FrameEnd)

	mine := bob.scene(t, "scene-1")
	bob.host.Edit(func() { mine.FrameEnd = 42 })
	err = bob.repo.Commit("scene-1")
	assert.ErrorIs(t, err, model.ErrNonAuthorized)
	assert.Equal(t, 250, mine.FrameEnd, "bob's edit is reverted to the last received buffer")
	assert.Equal(t, model.StateUp, bob.state(t, "scene-1"))
	assert.Empty(t, bob.out.take())
}

// Two participants lock the same Common node concurrently. Every receiver
// settles on the same owner whatever the delivery order, and the loser's
// next edit is rolled back.
func TestOwnershipRace_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	h := sharedScene(t, "scene-1")
	alice := joined(t, h, "alice")
	bob := joined(t, h, "bob")
	carol := joined(t, h, "carol")

	_, err := alice.repo.Lock(ctx, "scene-1", false)
	require.NoError(t, err)
	_, err = bob.repo.Lock(ctx, "scene-1", false)
	require.NoError(t, err)
	claimA, claimB := alice.out.take()[0], bob.out.take()[0]

	winner, loser := alice, bob
	if claimA.OwnerStamp.Less(claimB.OwnerStamp) {
		winner, loser = bob, alice
	}

	alice.receive(t, claimB)
	bob.receive(t, claimA)
	h.receive(t, claimA, claimB)
	carol.receive(t, claimB, claimA)

	for _, p := range []*peer{h, alice, bob, carol} {
		n, _ := p.repo.Get("scene-1")
		assert.Equal(t, winner.repo.User(), n.Owner, "seen by %s", p.repo.User())
	}

	live := loser.scene(t, "scene-1")
	loser.host.Edit(func() { live.FrameStart = 7 })
	assert.ErrorIs(t, loser.repo.Commit("scene-1"), model.ErrNonAuthorized)
	assert.Equal(t, 1, live.FrameStart)
}

func TestChangeOwner_RecursiveIsBestEffort(t *testing.T) {
	ctx := context.Background()
	h := newPeer(t, "host")
	scene := memhost.DemoScene(h.host, "Scene")
	_, err := h.repo.Add(scene, WithOwner(model.Common))
	require.NoError(t, err)
	h.publishAll(t)
	alice := joined(t, h, "alice")
	bob := joined(t, h, "bob")

	mesh := scene.Collections[0].Objects[0].Data.UUID()
	_, err = bob.repo.Lock(ctx, mesh, false)
	require.NoError(t, err)
	alice.receive(t, bob.out.take()...)

	res, err := alice.repo.Lock(ctx, scene.UUID(), true)
	require.NoError(t, err)
	assert.True(t, res.Partial())
	assert.Equal(t, []string{mesh}, res.Skipped)
	assert.Equal(t, scene.UUID(), res.Changed[0])
	assert.Len(t, res.Changed, 5)
	assert.Len(t, alice.out.take(), 5)
	assert.Len(t, alice.repo.List(Filter{Owner: "alice"}), 5)

	released, err := alice.repo.ReleaseAll(ctx)
	require.NoError(t, err)
	assert.Len(t, released, 5)
	assert.Empty(t, alice.repo.List(Filter{Owner: "alice"}))
}

func TestFetch_RejectRollsBack(t *testing.T) {
	ctx := context.Background()
	h := sharedScene(t, "scene-1")
	bob := joined(t, h, "bob")
	authoritative, _ := h.repo.Get("scene-1")

	live := bob.scene(t, "scene-1")
	bob.host.Edit(func() { live.FrameEnd = 42 })
	require.NoError(t, bob.repo.Commit("scene-1"))
	require.NoError(t, bob.repo.Push(ctx, "scene-1", "relay"))

	res := bob.receive(t, transport.Frame{
		Kind:       transport.KindReject,
		UUID:       "scene-1",
		TypeID:     memhost.KindScene,
		Owner:      "alice",
		OwnerStamp: bob.repo.Clock().Next("alice"),
		Payload:    &authoritative.Buffer,
		Error:      "owned by alice",
	})
	assert.Equal(t, ActionRejected, res[0].Action)
	assert.ErrorIs(t, res[0].Rejected, model.ErrNonAuthorized)

	n, _ := bob.repo.Get("scene-1")
	assert.Equal(t, "alice", n.Owner)
	assert.Equal(t, model.StateFetched, n.State)
	require.Empty(t, bob.repo.ApplyPending().Failed)
	assert.Equal(t, 250, live.FrameEnd)
}

// ----------------------------------------------------------------------------
// Removal and purge
// ----------------------------------------------------------------------------

func TestRemove_WithDependencies(t *testing.T) {
	p := newPeer(t, "alice")
	scene := memhost.DemoScene(p.host, "Scene")
	id, err := p.repo.Add(scene)
	require.NoError(t, err)

	removed, err := p.repo.Remove(context.Background(), id, true)
	require.NoError(t, err)
	assert.Len(t, removed, 6)
	assert.Equal(t, id, removed[0])
	assert.Equal(t, 0, p.repo.Len())
	for _, f := range p.out.take() {
		assert.True(t, f.IsTombstone())
	}
}

func TestRemove_KeepsSharedDependencies(t *testing.T) {
	p := newPeer(t, "alice")
	mesh := memhost.NewMesh("shared")
	o1, o2 := memhost.NewObject("one"), memhost.NewObject("two")
	o1.Data, o2.Data = mesh, mesh
	for _, inst := range []impl.Instance{mesh, o1, o2} {
		p.host.Add(inst)
	}
	id1, _ := p.repo.Add(o1)
	_, _ = p.repo.Add(o2)

	removed, err := p.repo.Remove(context.Background(), id1, true)
	require.NoError(t, err)
	assert.Equal(t, []string{id1}, removed)
	_, ok := p.repo.Get(mesh.UUID())
	assert.True(t, ok)
}

func TestRemove_NonAuthorized(t *testing.T) {
	h := newPeer(t, "host")
	obj := memhost.NewObject("Empty")
	h.host.Add(obj)
	id, _ := h.repo.Add(obj)
	h.publishAll(t)
	c := joined(t, h, "alice")

	_, err := c.repo.Remove(context.Background(), id, false)
	assert.ErrorIs(t, err, model.ErrNonAuthorized)
	assert.Equal(t, 1, c.repo.Len())
	assert.Empty(t, c.out.take())
}

// Orphan purge safety: a node whose live instance is gone is purged only
// when the local user does not own it.
func TestPurge_NeverDropsOwnNodes(t *testing.T) {
	ctx := context.Background()
	h := sharedScene(t, "scene-1")
	c := joined(t, h, "alice")
	_, err := c.repo.Lock(ctx, "scene-1", false)
	require.NoError(t, err)
	c.out.take()

	require.True(t, c.host.Delete(c.scene(t, "scene-1")))
	purged, err := c.repo.Purge(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)
	assert.Equal(t, 1, c.repo.Len())

	_, err = c.repo.Unlock(ctx, "scene-1", false)
	require.NoError(t, err)
	c.out.take()
	purged, err = c.repo.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"scene-1"}, purged)
	assert.Equal(t, 0, c.repo.Len())
	frames := c.out.take()
	require.Len(t, frames, 1)
	assert.Equal(t, transport.KindTombstone, frames[0].Kind)
}

func TestPurge_OtherOwnerAndLiveReferences(t *testing.T) {
	ctx := context.Background()
	h := newPeer(t, "host")
	scene := memhost.DemoScene(h.host, "Scene")
	_, err := h.repo.Add(scene)
	require.NoError(t, err)
	h.publishAll(t)
	c := joined(t, h, "alice")

	// The mesh is gone locally but the cube still uses it.
	meshID := scene.Collections[0].Objects[0].Data.UUID()
	inst, ok := c.host.Find(meshID)
	require.True(t, ok)
	c.host.Delete(inst)
	purged, err := c.repo.Purge(ctx)
	require.NoError(t, err)
	assert.Empty(t, purged)

	// Once the cube is gone too, both go.
	cubeID := scene.Collections[0].Objects[0].UUID()
	inst, ok = c.host.Find(cubeID)
	require.True(t, ok)
	c.host.Delete(inst)
	col, _ := c.host.Find(scene.Collections[0].UUID())
	c.host.Delete(col)
	sc, _ := c.host.Find(scene.UUID())
	c.host.Delete(sc)

	purged, err = c.repo.Purge(ctx)
	require.NoError(t, err)
	assert.Contains(t, purged, meshID)
	assert.Contains(t, purged, cubeID)
}

// ----------------------------------------------------------------------------
// Delta push
// ----------------------------------------------------------------------------

func TestDeltaPush_PatchAndStaleBase(t *testing.T) {
	ctx := context.Background()
	src := newPeer(t, "alice", WithDeltaPush(true))
	s := memhost.NewScene("s")
	src.host.Add(s)
	id, err := src.repo.Add(s)
	require.NoError(t, err)

	dst := newPeer(t, "bob")
	first := src.publishAll(t)
	require.Equal(t, transport.KindNode, first[0].Kind, "no base yet: full frame")
	dst.receive(t, first...)
	require.Empty(t, dst.repo.ApplyPending().Failed)

	edit := func(end int) []transport.Frame {
		src.host.Edit(func() { s.FrameEnd = end })
		_, err := src.repo.CheckModified(id)
		require.NoError(t, err)
		require.NoError(t, src.repo.Commit(id))
		require.NoError(t, src.repo.Push(ctx, id, "relay"))
		return src.out.take()
	}

	frames := edit(10)
	require.Equal(t, transport.KindDelta, frames[0].Kind)
	res := dst.receive(t, frames...)
	assert.Equal(t, ActionPatched, res[0].Action)
	require.Empty(t, dst.repo.ApplyPending().Failed)
	assert.Equal(t, 10, dst.scene(t, id).FrameEnd)

	edit(20) // lost
	res = dst.receive(t, edit(30)...)
	assert.Equal(t, ActionStale, res[0].Action)
	assert.Equal(t, model.StateError, dst.state(t, id))
	assert.Equal(t, []string{id}, dst.repo.StaleUUIDs())
	retried, err := dst.repo.Retry(id)
	require.NoError(t, err)
	assert.False(t, retried, "stale nodes need a full frame")

	res = dst.receive(t, src.repo.Snapshot()...)
	assert.Equal(t, ActionUpdated, res[0].Action)
	assert.Empty(t, dst.repo.StaleUUIDs())
	require.Empty(t, dst.repo.ApplyPending().Failed)
	assert.Equal(t, 30, dst.scene(t, id).FrameEnd)
}

func TestRetry_ErrorBackToFetched(t *testing.T) {
	dst := newPeer(t, "alice")
	dst.receive(t, transport.Frame{Kind: transport.KindNode, UUID: "o", TypeID: memhost.KindObject, Owner: model.Common,
		Payload: &model.Buffer{Fields: map[string]any{"name": "o", "data": "mesh-404"}}})
	rep := dst.repo.ApplyPending()
	require.Contains(t, rep.Failed, "o")

	ok, err := dst.repo.Retry("o")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.StateFetched, dst.state(t, "o"))

	_, err = dst.repo.Retry("missing")
	assert.ErrorIs(t, err, model.ErrUnknownNode)
}

func TestInvalidate_ReResolves(t *testing.T) {
	p := newPeer(t, "alice")
	obj := memhost.NewObject("Empty")
	p.host.Add(obj)
	id, _ := p.repo.Add(obj)
	p.publishAll(t)

	// The host replaces the object (undo): same uuid, new pointer.
	repl := memhost.NewObject("Empty")
	repl.SetUUID(id)
	repl.Location = [3]float64{5, 5, 5}
	p.host.Delete(obj)
	p.host.Add(repl)

	p.repo.Invalidate()
	modified, err := p.repo.CheckModified(id)
	require.NoError(t, err)
	assert.True(t, modified)
}

func TestOrdered_DependenciesFirst(t *testing.T) {
	p := newPeer(t, "alice")
	id, err := p.repo.Add(memhost.DemoScene(p.host, "Scene"))
	require.NoError(t, err)

	ids := p.repo.Ordered(p.repo.UUIDs())
	require.Len(t, ids, 6)
	assert.Equal(t, id, ids[len(ids)-1], "the scene depends on everything")
	assert.Equal(t, ids, p.repo.Ordered(append([]string{"missing"}, ids...)))
}

func TestDeselect_ReleasesUnderCommonOnly(t *testing.T) {
	ctx := context.Background()
	p := newPeer(t, "alice")
	id, err := p.repo.Add(memhost.DemoScene(p.host, "Scene"))
	require.NoError(t, err)

	released, err := p.repo.Deselect(ctx, ownership.PolicyStrict, []string{id}, nil)
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.Empty(t, p.out.take())

	released, err = p.repo.Deselect(ctx, ownership.PolicyCommon, []string{id}, nil)
	require.NoError(t, err)
	assert.Len(t, released, 6)
	frames := p.out.take()
	require.Len(t, frames, 6)
	for _, f := range frames {
		assert.Equal(t, transport.KindOwner, f.Kind)
		assert.Equal(t, model.Common, f.Owner)
		assert.Equal(t, "alice", f.PrevOwner)
	}
	assert.Len(t, p.repo.List(Filter{Owner: model.Common}), 6)
}
