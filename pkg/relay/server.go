// Package relay implements the authoritative hub participants replicate
// through.
//
// The relay holds the last accepted buffer and owner of every node (never a
// live instance), the roster of connected users, and one fan-out queue per
// subscriber. Each published frame is checked against the relay's graph:
// writes to a node someone else owns and ownership claims that lose
// arbitration are answered with a reject frame carrying the authoritative
// state, sent to the publisher only. Accepted frames are stamped with the
// authoritative owner, journaled, and fanned out to every other subscriber
// in arrival order.
//
// When a user leaves, every node they owned is handed back to Common so the
// remaining participants can claim it.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/graph"
	"github.com/daviddao/scenemesh/pkg/logging"
	"github.com/daviddao/scenemesh/pkg/metrics"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/ownership"
	"github.com/daviddao/scenemesh/pkg/store"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// Origin is the stamp origin and sender name of frames the relay issues
// itself. It cannot be used as a username.
const Origin = "relay"

var (
	// ErrUserExists is returned by Join when the username is connected.
	ErrUserExists = errors.New("username already connected")
	// ErrNotJoined is returned for frames from a user who is not connected.
	ErrNotJoined = errors.New("user not connected")
	// ErrReservedName is returned by Join for usernames the protocol uses.
	ErrReservedName = errors.New("reserved username")
)

// Server is the relay. Safe for concurrent use; every operation runs under
// one mutex and fan-out never blocks.
type Server struct {
	mu     sync.Mutex
	graph  *graph.Graph
	clock  *clock.Clock
	roster map[string]model.User
	subs   map[string]*transport.Queue

	store    store.StoreInterface
	priority graph.PriorityFunc
	log      *slog.Logger
	metrics  *metrics.Metrics
	started  time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger; nil means slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics records relay instruments on m.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithStore persists nodes, journal and users to st.
func WithStore(st store.StoreInterface) Option { return func(s *Server) { s.store = st } }

// WithPriority breaks snapshot ordering ties; containers should rank first.
func WithPriority(p graph.PriorityFunc) Option { return func(s *Server) { s.priority = p } }

// NewServer returns a relay. With a store, the persisted nodes are loaded
// and the clock resumes after the highest journaled stamp.
func NewServer(opts ...Option) (*Server, error) {
	s := &Server{
		graph:   graph.New(),
		clock:   &clock.Clock{},
		roster:  make(map[string]model.User),
		subs:    make(map[string]*transport.Queue),
		started: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = logging.OrDefault(s.log).With("component", "relay")
	if s.store != nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("load relay state: %w", err)
		}
	}
	return s, nil
}

func (s *Server) load() error {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return err
	}
	high := s.store.MaxStamp()
	for i := range nodes {
		n := nodes[i]
		high = max(high, n.OwnerStamp.TS)
		s.graph.Put(&n)
	}
	s.clock.Set(high)

	// Nobody is connected yet, so nobody can hold a node.
	released := 0
	for _, n := range s.graph.Nodes(func(n *model.Node) bool { return n.Owner != model.Common }) {
		s.release(n)
		released++
	}
	if len(nodes) > 0 {
		s.log.Info("relay state restored", "nodes", len(nodes), "released", released, "clock", s.clock.Value())
	}
	return nil
}

// ----------------------------------------------------------------------------
// Roster
// ----------------------------------------------------------------------------

// Join registers u and returns the queue their fan-out frames arrive on.
// The other subscribers receive a user frame.
func (s *Server) Join(u model.User) (*transport.Queue, error) {
	switch u.Username {
	case "", Origin, model.Common:
		return nil, fmt.Errorf("join %q: %w", u.Username, ErrReservedName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[u.Username]; ok {
		return nil, fmt.Errorf("join %s: %w", u.Username, ErrUserExists)
	}
	now := time.Now()
	u.JoinedAt = now
	u.LastSeen = now
	s.roster[u.Username] = u
	q := transport.NewQueue()
	s.subs[u.Username] = q

	s.fanout(s.userFrame(u), u.Username)
	s.touchUser(u)
	s.metrics.UsersOnline(len(s.subs))
	s.log.Info("user joined", "user", u.Username, "online", len(s.subs))
	return q, nil
}

// Leave disconnects username: their nodes go back to Common, the others are
// told, and their queue is closed. Unknown users are ignored.
func (s *Server) Leave(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leave(username)
}

func (s *Server) leave(username string) {
	q, ok := s.subs[username]
	if !ok {
		return
	}
	delete(s.subs, username)
	u := s.roster[username]
	delete(s.roster, username)

	released := 0
	for _, n := range s.graph.Nodes(func(n *model.Node) bool { return n.Owner == username }) {
		s.release(n)
		released++
	}
	s.fanout(transport.Frame{Kind: transport.KindLeave, Sender: username, Stamp: s.clock.Next(Origin)}, "")
	q.Close(nil)

	u.LastSeen = time.Now()
	s.touchUser(u)
	s.metrics.UsersOnline(len(s.subs))
	s.log.Info("user left", "user", username, "released", released, "online", len(s.subs))
}

// release hands n back to Common under a fresh relay stamp and tells
// everyone.
func (s *Server) release(n *model.Node) {
	stamp := s.clock.Next(Origin)
	f := transport.Frame{
		Kind:       transport.KindOwner,
		UUID:       n.UUID,
		Owner:      model.Common,
		PrevOwner:  n.Owner,
		TypeID:     n.TypeID,
		Stamp:      stamp,
		OwnerStamp: stamp,
		Sender:     Origin,
	}
	n.Owner = model.Common
	n.OwnerStamp = stamp
	s.persistOwner(n)
	s.journal(f)
	s.fanout(f, "")
}

// Close disconnects every user as if they had left. Connected sockets are
// closed by their sessions once their queues drain.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.subs))
	for name := range s.subs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.leave(name)
	}
	s.log.Info("relay closed", "disconnected", len(names))
}

// UpdateUser replaces username's roster entry with u (username and join time
// are kept) and tells the other subscribers.
func (s *Server) UpdateUser(username string, u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateUser(username, u)
}

func (s *Server) updateUser(username string, u model.User) error {
	cur, ok := s.roster[username]
	if !ok {
		return fmt.Errorf("update user %s: %w", username, ErrNotJoined)
	}
	u.Username = username
	u.JoinedAt = cur.JoinedAt
	u.LastSeen = time.Now()
	s.roster[username] = u
	s.fanout(s.userFrame(u), username)
	s.touchUser(u)
	return nil
}

func (s *Server) userFrame(u model.User) transport.Frame {
	return transport.Frame{Kind: transport.KindUser, User: &u, Sender: u.Username, Stamp: s.clock.Next(Origin)}
}

// Users returns the connected users sorted by name.
func (s *Server) Users() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users()
}

func (s *Server) users() []model.User {
	out := make([]model.User, 0, len(s.roster))
	for _, u := range s.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// ----------------------------------------------------------------------------
// Collector
// ----------------------------------------------------------------------------

// Publish accepts one frame from sender. A refused frame is not an error:
// the sender learns about it through a reject frame on their queue.
func (s *Server) Publish(sender string, f transport.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f.Sender = sender

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sender]; !ok {
		return fmt.Errorf("publish from %s: %w", sender, ErrNotJoined)
	}
	s.clock.Receive(max(f.Stamp.TS, f.OwnerStamp.TS))
	s.metrics.FrameReceived(string(f.Kind))

	switch {
	case f.IsSnapshotEnd():
	case f.IsTombstone():
		s.publishTombstone(f)
	case f.Kind == transport.KindNode:
		s.publishNode(f)
	case f.Kind == transport.KindDelta:
		s.publishDelta(f)
	case f.Kind == transport.KindOwner:
		s.publishOwner(f)
	case f.Kind == transport.KindUser:
		return s.updateUser(sender, *f.User)
	case f.Kind == transport.KindLeave:
		s.leave(sender)
	default:
		s.log.Debug("ignoring frame", "kind", f.Kind, "sender", sender)
	}
	return nil
}

func (s *Server) publishNode(f transport.Frame) {
	n, ok := s.graph.Get(f.UUID)
	if ok && !ownership.CanWrite(n, f.Sender) {
		s.reject(f, n, "owner", fmt.Sprintf("%s is owned by %s", f.UUID, n.Owner))
		return
	}
	if !ok {
		n = &model.Node{UUID: f.UUID, Owner: model.Common, OwnerStamp: f.OwnerStamp}
		if f.Owner != "" {
			n.Owner = f.Owner
		}
	}
	n.TypeID = f.TypeID
	n.Buffer = f.Payload.Clone()
	n.Dependencies = append([]string(nil), f.Dependencies...)
	s.graph.Put(n)
	s.accept(f, n)
}

func (s *Server) publishDelta(f transport.Frame) {
	n, ok := s.graph.Get(f.UUID)
	if !ok {
		s.reject(f, nil, "unknown", fmt.Sprintf("%s is unknown to the relay", f.UUID))
		return
	}
	if !ownership.CanWrite(n, f.Sender) {
		s.reject(f, n, "owner", fmt.Sprintf("%s is owned by %s", f.UUID, n.Owner))
		return
	}
	patched, err := diff.Patch(n.Buffer, f.Delta)
	if err != nil {
		s.reject(f, n, "base", err.Error())
		return
	}
	n.Buffer = patched
	if f.Dependencies != nil {
		s.graph.SetDependencies(n.UUID, f.Dependencies)
	}
	s.accept(f, n)
}

func (s *Server) publishOwner(f transport.Frame) {
	n, ok := s.graph.Get(f.UUID)
	if !ok {
		s.log.Debug("owner claim for unknown node", "uuid", f.UUID, "sender", f.Sender)
		return
	}
	claim := ownership.Claim{Sender: f.Sender, PrevOwner: f.PrevOwner, NewOwner: f.Owner, Stamp: f.OwnerStamp}
	if !ownership.Arbitrate(n.Owner, n.OwnerStamp, claim) {
		s.reject(f, n, "owner", fmt.Sprintf("%s is owned by %s", f.UUID, n.Owner))
		return
	}
	n.Owner = f.Owner
	if !n.OwnerStamp.Less(f.OwnerStamp) {
		// Peers only follow later stamps, and the sender may have seen the
		// relay's stamp after sending its claim: reissue it to everyone.
		f.OwnerStamp = s.clock.Next(Origin)
		f.Stamp = f.OwnerStamp
		n.OwnerStamp = f.OwnerStamp
		s.persistOwner(n)
		s.journal(f)
		f.Sender = Origin
		s.fanout(f, "")
		return
	}
	n.OwnerStamp = f.OwnerStamp
	s.persistOwner(n)
	s.journal(f)
	s.fanout(f, f.Sender)
}

func (s *Server) publishTombstone(f transport.Frame) {
	n, ok := s.graph.Get(f.UUID)
	if !ok {
		return
	}
	if !ownership.CanWrite(n, f.Sender) {
		s.reject(f, n, "owner", fmt.Sprintf("%s is owned by %s", f.UUID, n.Owner))
		return
	}
	s.graph.Remove(n.UUID)
	if s.store != nil {
		if err := s.store.DeleteNode(n.UUID); err != nil {
			s.log.Warn("persist removal", "uuid", n.UUID, "error", err)
		}
	}
	s.journal(f)
	s.fanout(f, f.Sender)
}

// accept persists n and fans f out with the authoritative owner.
func (s *Server) accept(f transport.Frame, n *model.Node) {
	f.Owner = n.Owner
	f.OwnerStamp = n.OwnerStamp
	if s.store != nil {
		if err := s.store.UpsertNode(n); err != nil {
			s.log.Warn("persist node", "uuid", n.UUID, "error", err)
		}
	}
	s.journal(f)
	s.fanout(f, f.Sender)
}

// reject answers f with the authoritative state of n (when known), on the
// sender's queue only.
func (s *Server) reject(f transport.Frame, n *model.Node, reason, detail string) {
	r := transport.Frame{
		Kind:   transport.KindReject,
		UUID:   f.UUID,
		TypeID: f.TypeID,
		Stamp:  s.clock.Next(Origin),
		Sender: Origin,
		Error:  detail,
	}
	if n != nil {
		buf := n.Buffer.Clone()
		r.Owner = n.Owner
		r.OwnerStamp = n.OwnerStamp
		r.TypeID = n.TypeID
		r.Payload = &buf
		r.Dependencies = append([]string(nil), n.Dependencies...)
	}
	if q, ok := s.subs[f.Sender]; ok {
		q.Push(r)
		s.metrics.FrameSent(string(r.Kind))
	}
	s.metrics.FrameRejected(reason)
	s.log.Info("frame rejected", "uuid", f.UUID, "kind", f.Kind, "sender", f.Sender, "reason", detail)
}

// fanout queues f for every subscriber except the named one.
func (s *Server) fanout(f transport.Frame, except string) {
	for name, q := range s.subs {
		if name == except {
			continue
		}
		q.Push(f)
		s.metrics.FrameSent(string(f.Kind))
	}
}

func (s *Server) journal(f transport.Frame) {
	if s.store == nil {
		return
	}
	e := &store.Entry{
		Kind:   string(f.Kind),
		UUID:   f.UUID,
		TypeID: f.TypeID,
		Owner:  f.Owner,
		Sender: f.Sender,
		Stamp:  f.Stamp,
	}
	if _, err := s.store.AppendJournal(e); err != nil {
		s.log.Warn("journal frame", "uuid", f.UUID, "kind", f.Kind, "error", err)
	}
}

func (s *Server) persistOwner(n *model.Node) {
	if s.store == nil {
		return
	}
	if err := s.store.SetOwner(n.UUID, n.Owner, n.OwnerStamp); err != nil {
		s.log.Warn("persist owner", "uuid", n.UUID, "error", err)
	}
}

func (s *Server) touchUser(u model.User) {
	if s.store == nil {
		return
	}
	if err := s.store.TouchUser(u); err != nil {
		s.log.Warn("persist user", "user", u.Username, "error", err)
	}
}

// ----------------------------------------------------------------------------
// Snapshot and inspection
// ----------------------------------------------------------------------------

// Snapshot renders the roster as user frames, then every node as a node
// frame in dependency order, then the SnapshotEnd marker.
func (s *Server) Snapshot() []transport.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := clock.Stamp{TS: s.clock.Value(), Origin: Origin}
	var out []transport.Frame
	for _, u := range s.users() {
		out = append(out, transport.Frame{Kind: transport.KindUser, User: &u, Sender: u.Username, Stamp: stamp})
	}
	for _, id := range s.graph.Order(s.graph.UUIDs(), s.priority) {
		n, _ := s.graph.Get(id)
		if n.Buffer.IsEmpty() {
			continue
		}
		buf := n.Buffer.Clone()
		out = append(out, transport.Frame{
			Kind:         transport.KindNode,
			UUID:         n.UUID,
			Owner:        n.Owner,
			TypeID:       n.TypeID,
			Payload:      &buf,
			Dependencies: append([]string(nil), n.Dependencies...),
			Stamp:        stamp,
			OwnerStamp:   n.OwnerStamp,
			Sender:       Origin,
		})
	}
	return append(out, transport.EndOfSnapshot())
}

// Nodes returns copies of the relay's nodes sorted by uuid.
func (s *Server) Nodes() []model.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Node
	for _, n := range s.graph.Nodes(nil) {
		out = append(out, n.Clone())
	}
	return out
}

// Status is the relay summary served on /status.
type Status struct {
	Users   []model.User   `json:"users"`
	Nodes   int            `json:"nodes"`
	Owners  map[string]int `json:"owners"`
	Clock   int64          `json:"clock"`
	Started time.Time      `json:"started"`
}

// Status returns the current summary.
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	owners := make(map[string]int)
	for _, n := range s.graph.Nodes(nil) {
		owners[n.Owner]++
	}
	return Status{
		Users:   s.users(),
		Nodes:   s.graph.Len(),
		Owners:  owners,
		Clock:   s.clock.Value(),
		Started: s.started,
	}
}
