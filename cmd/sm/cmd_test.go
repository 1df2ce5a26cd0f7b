package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/logging"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/relay"
	"github.com/daviddao/scenemesh/pkg/store"
)

// lockedBuffer is written by the session's goroutines and the command.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"SCENEMESH_CONFIG", "SCENEMESH_USERNAME", "SCENEMESH_DB", "SCENEMESH_URL", "SCENEMESH_LISTEN", "SCENEMESH_RIGHTS"} {
		t.Setenv(k, "")
	}
}

func run(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr lockedBuffer
	root := newRootCmd(&app{})
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func newTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

// --- envOr tests ---

func TestEnvOr_Set(t *testing.T) {
	t.Setenv("SM_TEST_ENVOR", "value")
	if got := envOr("SM_TEST_ENVOR", "default"); got != "value" {
		t.Fatalf("envOr with set var: got %q, want %q", got, "value")
	}
}

func TestEnvOr_Unset(t *testing.T) {
	if got := envOr("SM_TEST_ENVOR_UNSET_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset var: got %q, want %q", got, "fallback")
	}
}

func TestEnvOr_Empty(t *testing.T) {
	t.Setenv("SM_TEST_ENVOR_EMPTY", "")
	if got := envOr("SM_TEST_ENVOR_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("envOr with empty var: got %q, want %q", got, "fallback")
	}
}

// --- presence tests ---

func TestUserPresence(t *testing.T) {
	cases := []struct {
		ago  time.Duration
		want string
	}{
		{time.Second, "active"},
		{time.Minute, "idle"},
		{time.Hour, "away"},
	}
	for _, c := range cases {
		u := model.User{Username: "alice", LastSeen: time.Now().Add(-c.ago)}
		if got := userPresence(u); got != c.want {
			t.Errorf("userPresence(%s ago) = %q, want %q", c.ago, got, c.want)
		}
	}
}

func TestPresenceIndicator(t *testing.T) {
	for presence, want := range map[string]string{"active": "[+]", "idle": "[~]", "away": "[-]", "": "[-]"} {
		if got := presenceIndicator(presence); got != want {
			t.Errorf("presenceIndicator(%q) = %q, want %q", presence, got, want)
		}
	}
}

// --- statusURL tests ---

func TestStatusURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"127.0.0.1:7450", "http://127.0.0.1:7450/status"},
		{":7450", "http://127.0.0.1:7450/status"},
		{"http://relay.local:7450", "http://relay.local:7450/status"},
		{"ws://relay.local:7450/ws", "http://relay.local:7450/status"},
		{"wss://relay.example.com/ws?x=1", "https://relay.example.com/status"},
	}
	for _, c := range cases {
		got, err := statusURL(c.in)
		if err != nil {
			t.Errorf("statusURL(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("statusURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStatusURL_Invalid(t *testing.T) {
	for _, in := range []string{"ftp://relay.local", "http://"} {
		if _, err := statusURL(in); err == nil {
			t.Errorf("statusURL(%q) should fail", in)
		}
	}
}

// --- printEntry / printNode tests ---

func TestPrintEntry(t *testing.T) {
	cases := []struct {
		e    store.Entry
		want string
	}{
		{store.Entry{Kind: "node", UUID: "u1", TypeID: "Mesh", Owner: "alice", Sender: "alice", Stamp: clock.Stamp{TS: 3}}, "[ts=3] alice pushed Mesh u1 (owner alice)"},
		{store.Entry{Kind: "delta", UUID: "u1", TypeID: "Mesh", Sender: "alice", Stamp: clock.Stamp{TS: 4}}, "[ts=4] alice patched Mesh u1"},
		{store.Entry{Kind: "owner", UUID: "u1", Owner: "bob", Sender: "alice", Stamp: clock.Stamp{TS: 5}}, "[ts=5] alice gave u1 to bob"},
		{store.Entry{Kind: "tombstone", UUID: "u1", Sender: "bob", Stamp: clock.Stamp{TS: 6}}, "[ts=6] bob removed u1"},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		printEntry(&buf, c.e)
		if !strings.Contains(buf.String(), c.want) {
			t.Errorf("printEntry %s: got %q, want %q", c.e.Kind, buf.String(), c.want)
		}
	}
}

func TestPrintNode_Size(t *testing.T) {
	var buf bytes.Buffer
	printNode(&buf, model.Node{UUID: "img", TypeID: "Image", Owner: model.Common, Buffer: model.Buffer{Blob: []byte{1, 2, 3}}})
	printNode(&buf, model.Node{UUID: "sc", TypeID: "Scene", Owner: "alice", Buffer: model.Buffer{Fields: map[string]any{"name": "s"}}})
	out := buf.String()
	if !strings.Contains(out, "3 byte(s)") {
		t.Fatalf("printNode blob: got %q", out)
	}
	if !strings.Contains(out, "1 field(s)") {
		t.Fatalf("printNode fields: got %q", out)
	}
}

// --- command tests ---

func TestVersionCommand(t *testing.T) {
	clearEnv(t)
	out, _, err := run(t, context.Background(), "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != "sm "+version {
		t.Fatalf("version: got %q", out)
	}
}

func TestLogCommand(t *testing.T) {
	clearEnv(t)
	s, path := newTestStore(t)
	s.AppendJournal(&store.Entry{Kind: "node", UUID: "u1", TypeID: "Scene", Owner: model.Common, Sender: "alice", Stamp: clock.Stamp{TS: 1}})
	s.AppendJournal(&store.Entry{Kind: "owner", UUID: "u1", Owner: "bob", Sender: "bob", Stamp: clock.Stamp{TS: 2}})
	s.AppendJournal(&store.Entry{Kind: "node", UUID: "u2", TypeID: "Mesh", Owner: "bob", Sender: "bob", Stamp: clock.Stamp{TS: 3}})

	out, _, err := run(t, context.Background(), "log", "--db", path)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if n := strings.Count(out, "\n"); n != 3 {
		t.Fatalf("log: got %d lines, want 3:\n%s", n, out)
	}

	out, _, err = run(t, context.Background(), "log", "--db", path, "--kind", "owner")
	if err != nil {
		t.Fatalf("log --kind: %v", err)
	}
	if !strings.Contains(out, "bob gave u1 to bob") || strings.Contains(out, "pushed") {
		t.Fatalf("log --kind owner: got %q", out)
	}

	out, _, err = run(t, context.Background(), "log", "--db", path, "--uuid", "u1", "--json")
	if err != nil {
		t.Fatalf("log --uuid: %v", err)
	}
	var res struct {
		Count   int           `json:"count"`
		Entries []store.Entry `json:"entries"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("log --json: %v\n%s", err, out)
	}
	if res.Count != 2 || res.Entries[0].Kind != "node" || res.Entries[1].Kind != "owner" {
		t.Fatalf("log --uuid u1: got %+v", res)
	}
}

func TestLogCommand_NoDatabase(t *testing.T) {
	clearEnv(t)
	_, _, err := run(t, context.Background(), "log")
	if err == nil || !strings.Contains(err.Error(), "no database") {
		t.Fatalf("log without --db: got %v", err)
	}

	_, _, err = run(t, context.Background(), "log", "--db", filepath.Join(t.TempDir(), "missing.db"))
	if err == nil {
		t.Fatal("log with a missing database should fail")
	}
}

func TestNodesCommand_Filters(t *testing.T) {
	clearEnv(t)
	s, path := newTestStore(t)
	for _, n := range []model.Node{
		{UUID: "a", TypeID: "Scene", Owner: model.Common},
		{UUID: "b", TypeID: "Mesh", Owner: "alice", Dependencies: []string{"c"}},
		{UUID: "c", TypeID: "Image", Owner: "alice"},
	} {
		if err := s.UpsertNode(&n); err != nil {
			t.Fatalf("UpsertNode %s: %v", n.UUID, err)
		}
	}

	out, _, err := run(t, context.Background(), "nodes", "--db", path, "--owner", "alice")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if strings.Count(out, "\n") != 2 || strings.Contains(out, "Scene") {
		t.Fatalf("nodes --owner alice: got %q", out)
	}

	out, _, err = run(t, context.Background(), "nodes", "--db", path, "--type", "Mesh")
	if err != nil {
		t.Fatalf("nodes --type: %v", err)
	}
	if !strings.Contains(out, "deps=1") || strings.Count(out, "\n") != 1 {
		t.Fatalf("nodes --type Mesh: got %q", out)
	}

	out, _, err = run(t, context.Background(), "nodes", "--db", path, "--owner", "carol")
	if err != nil {
		t.Fatalf("nodes --owner carol: %v", err)
	}
	if strings.TrimSpace(out) != "no nodes" {
		t.Fatalf("nodes --owner carol: got %q", out)
	}
}

func TestStatusCommand(t *testing.T) {
	clearEnv(t)
	srv, err := relay.NewServer(relay.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if _, err := srv.Join(model.User{Username: "alice"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	out, _, err := run(t, context.Background(), "status", "--addr", ts.URL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "[+] alice") {
		t.Fatalf("status: got %q", out)
	}

	out, _, err = run(t, context.Background(), "status", "--addr", ts.URL, "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var st relay.Status
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status --json: %v\n%s", err, out)
	}
	if len(st.Users) != 1 || st.Users[0].Username != "alice" {
		t.Fatalf("status --json users: %+v", st.Users)
	}
}

func TestStatusCommand_FromDatabase(t *testing.T) {
	clearEnv(t)
	s, path := newTestStore(t)
	now := time.Now()
	s.TouchUser(model.User{Username: "alice", JoinedAt: now, LastSeen: now})
	s.TouchUser(model.User{Username: "bob", JoinedAt: now.Add(-time.Hour), LastSeen: now.Add(-time.Hour)})
	s.UpsertNode(&model.Node{UUID: "a", TypeID: "Scene", Owner: model.Common})
	s.UpsertNode(&model.Node{UUID: "b", TypeID: "Mesh", Owner: "alice"})
	s.AppendJournal(&store.Entry{Kind: "node", UUID: "a", Sender: "alice", Stamp: clock.Stamp{TS: 4}})
	s.AppendJournal(&store.Entry{Kind: "owner", UUID: "b", Owner: "alice", Sender: "alice", Stamp: clock.Stamp{TS: 9}})

	out, _, err := run(t, context.Background(), "status", "--db", path)
	if err != nil {
		t.Fatalf("status --db: %v", err)
	}
	for _, want := range []string{"clock 9", "2 node(s)", "journal at #2", "[+] alice", "[-] bob"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status --db: missing %q in %q", want, out)
		}
	}

	out, _, err = run(t, context.Background(), "status", "--db", path, "--json")
	if err != nil {
		t.Fatalf("status --db --json: %v", err)
	}
	var st dbStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status --db --json: %v\n%s", err, out)
	}
	if st.Nodes != 2 || st.Journal != 2 || st.Clock != 9 || len(st.Users) != 2 {
		t.Fatalf("status --db --json: %+v", st)
	}
	if st.Owners[model.Common] != 1 || st.Owners["alice"] != 1 {
		t.Fatalf("status --db --json owners: %v", st.Owners)
	}
}

func TestStatusCommand_MissingDatabase(t *testing.T) {
	clearEnv(t)
	_, _, err := run(t, context.Background(), "status", "--db", filepath.Join(t.TempDir(), "missing.db"))
	if err == nil || !strings.Contains(err.Error(), "missing.db") {
		t.Fatalf("status missing db: got %v", err)
	}
}

func TestNodesCommand_ShowOne(t *testing.T) {
	clearEnv(t)
	s, path := newTestStore(t)
	n := &model.Node{
		UUID:         "b",
		TypeID:       "Mesh",
		Owner:        "alice",
		OwnerStamp:   clock.Stamp{TS: 7, Origin: "alice"},
		Dependencies: []string{"c"},
		Buffer:       model.Buffer{Fields: map[string]any{"name": "cube", "vertices": []any{1.0, 2.0, 3.0}}},
	}
	if err := s.UpsertNode(n); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	out, _, err := run(t, context.Background(), "nodes", "--db", path, "--uuid", "b")
	if err != nil {
		t.Fatalf("nodes --uuid: %v", err)
	}
	for _, want := range []string{"owner=alice", "stamp    7@alice", "depends  c", "field    name", "field    vertices"} {
		if !strings.Contains(out, want) {
			t.Fatalf("nodes --uuid: missing %q in %q", want, out)
		}
	}

	out, _, err = run(t, context.Background(), "nodes", "--db", path, "--uuid", "b", "--json")
	if err != nil {
		t.Fatalf("nodes --uuid --json: %v", err)
	}
	var got model.Node
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("nodes --uuid --json: %v\n%s", err, out)
	}
	if got.UUID != "b" || got.Owner != "alice" || got.OwnerStamp.TS != 7 {
		t.Fatalf("nodes --uuid --json: %+v", got)
	}

	_, _, err = run(t, context.Background(), "nodes", "--db", path, "--uuid", "nope")
	if err == nil || !strings.Contains(err.Error(), "node nope not found") {
		t.Fatalf("nodes --uuid nope: got %v", err)
	}
}

func TestJoinCommand_Unreachable(t *testing.T) {
	clearEnv(t)
	_, _, err := run(t, context.Background(), "join", "-u", "bob", "--url", "ws://127.0.0.1:1/ws")
	if !errors.Is(err, model.ErrTransport) {
		t.Fatalf("join unreachable: got %v, want ErrTransport", err)
	}
}

func TestHostCommand_PersistsAndResumes(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.db")

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		_, stderr, err := run(t, ctx, "host", "-u", "alice", "--db", path, "--log-level", "error")
		cancel()
		if err != nil {
			t.Fatalf("host run %d: %v\n%s", i, err, stderr)
		}
		if !strings.Contains(stderr, "Hosting 6 node(s) as alice") {
			t.Fatalf("host run %d: got %q", i, stderr)
		}
	}

	out, _, err := run(t, context.Background(), "nodes", "--db", path, "--type", "Scene")
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("resumed host re-seeded the demo scene:\n%s", out)
	}
}
