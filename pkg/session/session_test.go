package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/config"
	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/impl/memhost"
	"github.com/daviddao/scenemesh/pkg/logging"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/repository"
	"github.com/daviddao/scenemesh/pkg/transport"
)

type participant struct {
	host *memhost.Host
	s    *Session
}

func testConfig(user string) config.Config {
	cfg := config.Default()
	cfg.Username = user
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.ConnectTimeout = 2 * time.Second
	return cfg
}

func newRegistry(t *testing.T) (*memhost.Host, *impl.Registry) {
	t.Helper()
	h := memhost.NewHost()
	reg := impl.NewRegistry()
	require.NoError(t, memhost.Register(reg, h))
	return h, reg
}

// hostDemo hosts a session sharing the demo scene.
func hostDemo(t *testing.T, cfg config.Config) (*participant, *memhost.Scene) {
	t.Helper()
	h, reg := newRegistry(t)
	scene := memhost.DemoScene(h, "scene-1")
	s, err := Host(context.Background(), cfg, reg, []impl.Instance{scene}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return &participant{host: h, s: s}, scene
}

// join attaches a participant to the hosted relay in process.
func join(t *testing.T, hp *participant, cfg config.Config) *participant {
	t.Helper()
	h, reg := newRegistry(t)
	conn, err := hp.s.Relay().Connect(model.User{Username: cfg.Username})
	require.NoError(t, err)
	s, err := Attach(context.Background(), cfg, reg, conn, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Disconnect(context.Background()) })
	return &participant{host: h, s: s}
}

// sync drains the fan-out queue and applies what arrived.
func (p *participant) sync(t *testing.T) {
	t.Helper()
	for {
		n, err := p.s.Poll(context.Background())
		require.NoError(t, err)
		if n == 0 {
			break
		}
	}
	p.s.ApplyPending()
}

func (p *participant) scene(t *testing.T, id string) *memhost.Scene {
	t.Helper()
	inst, ok := p.host.Find(id)
	require.True(t, ok, "scene %s not in host", id)
	sc, ok := inst.(*memhost.Scene)
	require.True(t, ok)
	return sc
}

func (p *participant) frameEnd(sc *memhost.Scene) int {
	var v int
	p.host.Edit(func() { v = sc.FrameEnd })
	return v
}

func drainErrors(s *Session) []error {
	var out []error
	for {
		select {
		case err := <-s.Errors():
			out = append(out, err)
		default:
			return out
		}
	}
}

func owners(nodes []model.Node) map[string]int {
	out := make(map[string]int)
	for _, n := range nodes {
		out[n.Owner]++
	}
	return out
}

func TestHost_SharesInstancesAsCommon(t *testing.T) {
	hp, _ := hostDemo(t, testConfig("host"))

	nodes := hp.s.List(repository.Filter{})
	require.Len(t, nodes, 6)
	for _, n := range nodes {
		assert.Equal(t, model.Common, n.Owner, n.TypeID)
		assert.Equal(t, model.StatePushed, n.State, n.TypeID)
	}
	assert.True(t, hp.s.Hosting())
	assert.Empty(t, hp.s.Addr())
	assert.Equal(t, 6, hp.s.Relay().Status().Nodes)

	users := hp.s.OnlineUsers()
	require.Len(t, users, 1)
	assert.Equal(t, "host", users[0].Username)
}

func TestSession_RequiresUsernameAndURL(t *testing.T) {
	_, reg := newRegistry(t)
	_, err := Host(context.Background(), testConfig(""), reg, nil)
	assert.ErrorContains(t, err, "username required")

	_, err = Connect(context.Background(), testConfig("alice"), reg)
	assert.ErrorContains(t, err, "url required")

	cfg := testConfig("alice")
	cfg.Rights = "sometimes"
	_, err = Host(context.Background(), cfg, reg, nil)
	assert.ErrorContains(t, err, "unknown rights policy")
}

func TestAttach_ReplicatesSnapshot(t *testing.T) {
	hp, scene := hostDemo(t, testConfig("host"))
	alice := join(t, hp, testConfig("alice"))

	nodes := alice.s.List(repository.Filter{})
	require.Len(t, nodes, 6)
	for _, n := range nodes {
		assert.Equal(t, model.StateUp, n.State, n.TypeID)
	}
	assert.Equal(t, 6, alice.host.Len())
	sc := alice.scene(t, scene.UUID())
	assert.Equal(t, "scene-1", sc.Name)
	assert.Equal(t, 250, alice.frameEnd(sc))

	var names []string
	for _, u := range alice.s.OnlineUsers() {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"alice", "host"}, names)

	hp.sync(t)
	assert.Len(t, hp.s.OnlineUsers(), 2)
}

func TestLockEditRejectRollback(t *testing.T) {
	ctx := context.Background()
	hp, scene := hostDemo(t, testConfig("host"))
	id := scene.UUID()
	alice := join(t, hp, testConfig("alice"))
	bob := join(t, hp, testConfig("bob"))

	res, err := alice.s.Select(ctx, id)
	require.NoError(t, err)
	assert.Len(t, res.Changed, 6)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, []string{id}, alice.s.Selection())
	hp.sync(t)
	bob.sync(t)
	n, _ := bob.s.Get(id)
	assert.Equal(t, "alice", n.Owner)

	// Alice edits the scene she locked.
	as := alice.scene(t, id)
	alice.host.Edit(func() { as.FrameEnd = 300 })
	rep, err := alice.s.Refresh(ctx, memhost.KindScene)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rep.Committed)
	assert.Equal(t, []string{id}, rep.Pushed)
	n, _ = alice.s.Get(id)
	assert.Equal(t, model.StatePushed, n.State)

	hp.sync(t)
	assert.Equal(t, 300, hp.frameEnd(scene))
	n, _ = hp.s.Get(id)
	assert.Equal(t, model.StateUp, n.State)

	// Bob edits a scene he does not own: the edit is rolled back.
	bob.sync(t)
	bs := bob.scene(t, id)
	assert.Equal(t, 300, bob.frameEnd(bs))
	drainErrors(bob.s)
	bob.host.Edit(func() { bs.FrameEnd = 1 })
	rep, err = bob.s.Refresh(ctx, memhost.KindScene)
	require.NoError(t, err)
	assert.Empty(t, rep.Committed)

	errs := drainErrors(bob.s)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], model.ErrNonAuthorized)
	assert.Equal(t, 300, bob.frameEnd(bs))
	n, _ = bob.s.Get(id)
	assert.Equal(t, model.StateUp, n.State)
}

func TestSelect_SkipsNodesOwnedByOthers(t *testing.T) {
	ctx := context.Background()
	hp, scene := hostDemo(t, testConfig("host"))
	alice := join(t, hp, testConfig("alice"))
	bob := join(t, hp, testConfig("bob"))

	_, err := alice.s.Select(ctx, scene.UUID())
	require.NoError(t, err)
	bob.sync(t)

	res, err := bob.s.Select(ctx, scene.UUID())
	require.NoError(t, err)
	assert.Empty(t, res.Changed)
	assert.Equal(t, []string{scene.UUID()}, res.Skipped)
	assert.Empty(t, bob.s.Selection())
}

func TestDeselect_RightsPolicy(t *testing.T) {
	ctx := context.Background()
	hp, scene := hostDemo(t, testConfig("host"))
	id := scene.UUID()

	t.Run("common releases", func(t *testing.T) {
		alice := join(t, hp, testConfig("alice"))
		_, err := alice.s.Select(ctx, id)
		require.NoError(t, err)

		released, err := alice.s.Deselect(ctx, id)
		require.NoError(t, err)
		assert.Len(t, released, 6)
		hp.sync(t)
		assert.Equal(t, map[string]int{model.Common: 6}, owners(hp.s.List(repository.Filter{})))
	})

	t.Run("strict keeps locks", func(t *testing.T) {
		cfg := testConfig("carol")
		cfg.Rights = "STRICT"
		carol := join(t, hp, cfg)
		_, err := carol.s.Select(ctx, id)
		require.NoError(t, err)

		released, err := carol.s.Deselect(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, released)
		assert.Empty(t, carol.s.Selection())
		assert.Equal(t, map[string]int{"carol": 6}, owners(carol.s.List(repository.Filter{})))
	})
}

func TestUpdateUserMetadata_ReachesPeers(t *testing.T) {
	ctx := context.Background()
	hp, _ := hostDemo(t, testConfig("host"))
	alice := join(t, hp, testConfig("alice"))
	hp.sync(t)

	require.NoError(t, alice.s.UpdateUserMetadata(ctx, map[string]any{"frame": 12, "view": "top"}))
	require.NoError(t, alice.s.UpdateUserMetadata(ctx, map[string]any{"view": nil}))
	hp.sync(t)

	var got model.User
	for _, u := range hp.s.OnlineUsers() {
		if u.Username == "alice" {
			got = u
		}
	}
	assert.Equal(t, map[string]any{"frame": 12}, got.Metadata)
	assert.False(t, got.JoinedAt.IsZero())
}

func TestDisconnect_ReleasesAndLeaves(t *testing.T) {
	ctx := context.Background()
	hp, scene := hostDemo(t, testConfig("host"))
	alice := join(t, hp, testConfig("alice"))
	_, err := alice.s.Select(ctx, scene.UUID())
	require.NoError(t, err)
	hp.sync(t)
	require.Equal(t, map[string]int{"alice": 6}, owners(hp.s.List(repository.Filter{})))

	require.NoError(t, alice.s.Disconnect(ctx))
	require.NoError(t, alice.s.Disconnect(ctx))
	_, err = alice.s.Poll(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)

	hp.sync(t)
	assert.Equal(t, map[string]int{model.Common: 6}, owners(hp.s.List(repository.Filter{})))
	assert.Len(t, hp.s.OnlineUsers(), 1)
}

func TestSanitize_RetriesOnlyResolutionFailures(t *testing.T) {
	ctx := context.Background()
	hp, _ := hostDemo(t, testConfig("host"))
	repo := hp.s.Repository()
	stamp := clock.Stamp{TS: 100, Origin: "bob"}
	frame := func(id, typeID string, fields map[string]any, deps ...string) transport.Frame {
		return transport.Frame{
			Kind: transport.KindNode, UUID: id, TypeID: typeID, Owner: model.Common,
			Payload: &model.Buffer{Fields: fields}, Dependencies: deps,
			Stamp: stamp, OwnerStamp: stamp, Sender: "bob",
		}
	}
	_, err := repo.Fetch(frame("broken-mesh", memhost.KindMesh, map[string]any{"name": "broken", "vertices": []any{1.0, 2.0}}))
	require.NoError(t, err)
	_, err = repo.Fetch(frame("dangling", memhost.KindObject, map[string]any{"name": "Dangling"}, "ghost"))
	require.NoError(t, err)

	rep := hp.s.ApplyPending()
	require.ErrorIs(t, rep.Failed["broken-mesh"], model.ErrConstruction)
	require.ErrorIs(t, rep.Failed["dangling"], model.ErrResolution)
	drainErrors(hp.s)

	srep, err := hp.s.Sanitize(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dangling"}, srep.Retried)
	n, ok := hp.s.Get("broken-mesh")
	require.True(t, ok)
	assert.Equal(t, model.StateError, n.State)

	ok, err = repo.Retry("broken-mesh")
	require.NoError(t, err)
	assert.True(t, ok, "an explicit retry still works")
}

func TestSanitize_PurgesOrphans(t *testing.T) {
	ctx := context.Background()
	hp, _ := hostDemo(t, testConfig("host"))
	alice := join(t, hp, testConfig("alice"))

	img := memhost.NewImage("decal")
	img.Width, img.Height = 1, 1
	img.Pixels = []byte{1, 2, 3, 4}
	hp.host.Add(img)
	id, err := hp.s.Add(ctx, img, repository.WithOwner(model.Common))
	require.NoError(t, err)
	alice.sync(t)

	inst, ok := alice.host.Find(id)
	require.True(t, ok)
	require.True(t, alice.host.Delete(inst))

	rep, err := alice.s.Sanitize(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, rep.Purged)
	assert.Empty(t, rep.Retried)
	_, ok = alice.s.Get(id)
	assert.False(t, ok)

	hp.sync(t)
	_, ok = hp.s.Get(id)
	assert.False(t, ok)
	_, ok = hp.host.Find(id)
	assert.False(t, ok)
}

func TestRefresh_ManualPushWithoutAutoPush(t *testing.T) {
	ctx := context.Background()
	hp, scene := hostDemo(t, testConfig("host"))
	off := false
	cfg := testConfig("alice")
	cfg.Types = map[string]config.TypeConfig{memhost.KindScene: {AutoPush: &off}}
	alice := join(t, hp, cfg)

	as := alice.scene(t, scene.UUID())
	alice.host.Edit(func() { as.FrameStart = 10 })
	rep, err := alice.s.Refresh(ctx, memhost.KindScene)
	require.NoError(t, err)
	assert.Equal(t, []string{scene.UUID()}, rep.Committed)
	assert.Empty(t, rep.Pushed)

	pushed, err := alice.s.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{scene.UUID()}, pushed)
	n, _ := alice.s.Get(scene.UUID())
	assert.Equal(t, model.StatePushed, n.State)

	_, err = alice.s.Refresh(ctx, "Camera")
	assert.ErrorIs(t, err, model.ErrUnknownType)
}

func TestRun_ReplicatesEdits(t *testing.T) {
	fast := map[string]config.TypeConfig{
		memhost.KindScene: {RefreshInterval: 20 * time.Millisecond, ApplyInterval: 20 * time.Millisecond},
	}
	hcfg := testConfig("host")
	hcfg.Types = fast
	hp, scene := hostDemo(t, hcfg)
	acfg := testConfig("alice")
	acfg.Types = fast
	alice := join(t, hp, acfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- hp.s.Run(ctx) }()
	go func() { done <- alice.s.Run(ctx) }()

	// The scene is Common and checkable: no lock needed.
	as := alice.scene(t, scene.UUID())
	alice.host.Edit(func() { as.FrameEnd = 42 })
	assert.Eventually(t, func() bool { return hp.frameEnd(scene) == 42 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	for range 2 {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not stop")
		}
	}
}

func TestConnect_WebSocket(t *testing.T) {
	ctx := context.Background()
	hcfg := testConfig("host")
	hcfg.Listen = "127.0.0.1:0"
	hp, scene := hostDemo(t, hcfg)
	require.NotEmpty(t, hp.s.Addr())

	_, reg := newRegistry(t)
	cfg := testConfig("alice")
	cfg.URL = "ws://" + hp.s.Addr() + "/ws"
	alice, err := Connect(ctx, cfg, reg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	assert.Len(t, alice.List(repository.Filter{}), 6)
	n, ok := alice.Get(scene.UUID())
	require.True(t, ok)
	assert.Equal(t, model.StateUp, n.State)

	assert.Eventually(t, func() bool {
		hp.s.Poll(ctx)
		return len(hp.s.OnlineUsers()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.Disconnect(ctx))
	assert.Eventually(t, func() bool {
		hp.s.Poll(ctx)
		return len(hp.s.OnlineUsers()) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConnect_Unreachable(t *testing.T) {
	_, reg := newRegistry(t)
	cfg := testConfig("alice")
	cfg.URL = "ws://127.0.0.1:1/ws"
	cfg.ConnectTimeout = 500 * time.Millisecond
	_, err := Connect(context.Background(), cfg, reg, WithLogger(logging.Discard()))
	assert.ErrorIs(t, err, model.ErrTransport)
}

func TestHost_ResumesFromStore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig("host")
	cfg.DB = filepath.Join(t.TempDir(), "relay.db")

	first, _ := hostDemo(t, cfg)
	require.NoError(t, first.s.Disconnect(ctx))

	h, reg := newRegistry(t)
	s, err := Host(ctx, cfg, reg, nil, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer s.Disconnect(ctx)

	assert.Len(t, s.List(repository.Filter{State: model.StateUp}), 6)
	assert.Equal(t, 6, h.Len())
}
