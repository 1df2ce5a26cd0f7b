// Package session is the surface a host application drives.
//
// A Session binds one Repository to one relay connection. Host starts an
// in-process relay (optionally listening for WebSocket participants) and
// shares an initial set of live instances as Common; Connect dials a remote
// relay and replicates its snapshot. After that the host calls Poll,
// Refresh, ApplyPending and Sanitize from its own loop, or hands the
// session to Run, which schedules them per registered kind.
//
// Per-node failures never stop a session: they are logged and delivered on
// the Errors channel. Session-level failures (cannot listen, cannot reach
// the relay) are returned once, wrapped in model.ErrTransport where the
// network is at fault.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/daviddao/scenemesh/pkg/config"
	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/logging"
	"github.com/daviddao/scenemesh/pkg/metrics"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/ownership"
	"github.com/daviddao/scenemesh/pkg/relay"
	"github.com/daviddao/scenemesh/pkg/repository"
	"github.com/daviddao/scenemesh/pkg/store"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// Remote is the name the relay connection is registered under in the
// repository.
const Remote = "relay"

// errBuffer bounds the Errors channel; failures beyond it are only logged.
const errBuffer = 64

// ErrDisconnected is returned by operations on a closed session.
var ErrDisconnected = errors.New("session disconnected")

// Session is one participant in a replicated scene.
type Session struct {
	cfg    config.Config
	reg    *impl.Registry
	repo   *repository.Repository
	conn   transport.Transport
	policy ownership.Policy
	log    *slog.Logger
	errs   chan error

	// Hosting only.
	relay     *relay.Server
	ln        net.Listener
	stopHTTP  context.CancelFunc
	httpDone  chan error
	openStore *store.Store

	mu       sync.Mutex
	self     model.User
	roster   map[string]model.User
	selected map[string]bool
	closed   bool
}

// Option configures a Session.
type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	store   store.StoreInterface
}

// WithLogger sets the logger; nil means slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithMetrics records engine and relay instruments on m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithStore persists the hosted relay to st instead of the config's DB.
func WithStore(st store.StoreInterface) Option { return func(o *options) { o.store = st } }

func newSession(cfg config.Config, reg *impl.Registry, opts []Option) (*Session, *options, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.Username == "" {
		return nil, nil, errors.New("session: username required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("session: %w", err)
	}
	if err := cfg.ApplyTypes(reg); err != nil {
		return nil, nil, fmt.Errorf("session: %w", err)
	}
	log := logging.OrDefault(o.log).With("component", "session", "user", cfg.Username)
	s := &Session{
		cfg:    cfg,
		reg:    reg,
		policy: cfg.Policy(),
		log:    log,
		errs:   make(chan error, errBuffer),
		repo: repository.New(cfg.Username, reg,
			repository.WithLogger(log),
			repository.WithMetrics(o.metrics),
			repository.WithDeltaPush(cfg.DeltaPush)),
		self:     model.User{Username: cfg.Username, Metadata: map[string]any{}},
		roster:   make(map[string]model.User),
		selected: make(map[string]bool),
	}
	return s, &o, nil
}

// ----------------------------------------------------------------------------
// Lifecycle
// ----------------------------------------------------------------------------

// Host starts a relay, joins it in process and shares instances (with
// their dependencies) as Common nodes. With cfg.Listen set the relay also
// serves WebSocket participants. With a store, nodes persisted by an
// earlier run are replicated into the host before instances are added.
func Host(ctx context.Context, cfg config.Config, reg *impl.Registry, instances []impl.Instance, opts ...Option) (*Session, error) {
	s, o, err := newSession(cfg, reg, opts)
	if err != nil {
		return nil, err
	}

	st := o.store
	if st == nil && cfg.DB != "" {
		db, err := store.New(cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("host: %w", err)
		}
		s.openStore = db
		st = db
	}
	ropts := []relay.Option{
		relay.WithLogger(o.log),
		relay.WithMetrics(o.metrics),
		relay.WithPriority(reg.Priority),
	}
	if st != nil {
		ropts = append(ropts, relay.WithStore(st))
	}
	srv, err := relay.NewServer(ropts...)
	if err != nil {
		s.shutdownRelay()
		return nil, fmt.Errorf("host: %w", err)
	}
	s.relay = srv

	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			s.shutdownRelay()
			return nil, fmt.Errorf("host: listen %s: %w", cfg.Listen, err)
		}
		s.serve(ln)
	}

	conn, err := srv.Connect(s.self)
	if err != nil {
		s.shutdownRelay()
		return nil, fmt.Errorf("host: %w", err)
	}
	if err := s.attach(ctx, conn); err != nil {
		conn.Close()
		s.shutdownRelay()
		return nil, transportErr("host", err)
	}

	for _, inst := range instances {
		if _, err := s.repo.Add(inst, repository.WithOwner(model.Common)); err != nil {
			s.Disconnect(ctx)
			return nil, fmt.Errorf("host: %w", err)
		}
	}
	if _, err := s.publishAdded(ctx); err != nil {
		s.Disconnect(ctx)
		return nil, fmt.Errorf("host: %w", err)
	}
	s.log.Info("session hosted", "nodes", s.repo.Len(), "listen", s.Addr(), "rights", s.policy)
	return s, nil
}

// Connect dials the relay at cfg.URL and replicates its snapshot. The dial
// and the snapshot are each bounded by cfg.ConnectTimeout; any failure
// closes the connection and returns a single error wrapping
// model.ErrTransport.
func Connect(ctx context.Context, cfg config.Config, reg *impl.Registry, opts ...Option) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("connect: url required")
	}
	s, _, err := newSession(cfg, reg, opts)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, cfg.URL, s.self, transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         s.log,
	})
	if err != nil {
		return nil, transportErr("connect", err)
	}
	if err := s.attach(ctx, conn); err != nil {
		conn.Close()
		return nil, transportErr("connect "+cfg.URL, err)
	}
	s.log.Info("session joined", "url", cfg.URL, "nodes", s.repo.Len())
	return s, nil
}

// Attach runs a session over an established transport, such as a
// relay.LocalConn. It behaves like Connect after the dial.
func Attach(ctx context.Context, cfg config.Config, reg *impl.Registry, conn transport.Transport, opts ...Option) (*Session, error) {
	s, _, err := newSession(cfg, reg, opts)
	if err != nil {
		return nil, err
	}
	if err := s.attach(ctx, conn); err != nil {
		conn.Close()
		return nil, transportErr("attach", err)
	}
	return s, nil
}

// attach requests the snapshot, fetches it in arrival order and applies it.
func (s *Session) attach(ctx context.Context, conn transport.Transport) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	frames, err := conn.Snapshot(sctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	s.conn = conn
	s.repo.AddRemote(Remote, conn)
	s.ingest(frames)
	rep := s.ApplyPending()
	s.log.Info("snapshot applied", "frames", len(frames), "applied", len(rep.Applied), "failed", len(rep.Failed))
	return nil
}

// Disconnect hands every node the user owns back to Common, leaves the
// relay and, when hosting, stops it. Calling it again is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	released, err := s.repo.ReleaseAll(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	s.repo.RemoveRemote(Remote)
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	s.shutdownRelay()
	s.log.Info("session closed", "released", len(released))
	return errors.Join(errs...)
}

func (s *Session) serve(ln net.Listener) {
	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.stopHTTP = cancel
	s.httpDone = make(chan error, 1)
	go func() { s.httpDone <- s.relay.Serve(ctx, ln) }()
}

// shutdownRelay stops whatever Host started, in reverse order.
func (s *Session) shutdownRelay() {
	if s.relay != nil {
		s.relay.Close()
	}
	if s.stopHTTP != nil {
		s.stopHTTP()
		if err := <-s.httpDone; err != nil {
			s.log.Warn("relay http stopped", "error", err)
		}
		s.stopHTTP = nil
	}
	if s.openStore != nil {
		if err := s.openStore.Close(); err != nil {
			s.log.Warn("close relay store", "error", err)
		}
		s.openStore = nil
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// transportErr wraps err for op, adding model.ErrTransport unless it is
// already in the chain.
func transportErr(op string, err error) error {
	if errors.Is(err, model.ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, model.ErrTransport, err)
}

// ----------------------------------------------------------------------------
// Accessors
// ----------------------------------------------------------------------------

// User returns the local username.
func (s *Session) User() string { return s.cfg.Username }

// Policy returns the session's rights policy.
func (s *Session) Policy() ownership.Policy { return s.policy }

// Repository exposes the replication engine for operations the session
// does not wrap (commit, remove, change owner).
func (s *Session) Repository() *repository.Repository { return s.repo }

// Relay returns the hosted relay, or nil for a joined session.
func (s *Session) Relay() *relay.Server { return s.relay }

// Hosting reports whether this session runs the relay.
func (s *Session) Hosting() bool { return s.relay != nil }

// Addr returns the relay's listen address, or "" when not listening.
func (s *Session) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Errors delivers per-node failures: rejected frames, failed applies,
// non-authorized commits. Failures are dropped, and logged, when nobody
// drains the channel.
func (s *Session) Errors() <-chan error { return s.errs }

func (s *Session) emit(err error) {
	select {
	case s.errs <- err:
	default:
		s.log.Warn("error dropped", "error", err)
	}
}

// List returns the nodes matching f, sorted by uuid.
func (s *Session) List(f repository.Filter) []model.Node { return s.repo.List(f) }

// Get returns one node.
func (s *Session) Get(id string) (model.Node, bool) { return s.repo.Get(id) }

// ----------------------------------------------------------------------------
// Roster
// ----------------------------------------------------------------------------

// OnlineUsers returns the connected participants, sorted by name. The
// local entry carries the current measured latency.
func (s *Session) OnlineUsers() []model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.User, 0, len(s.roster))
	for _, u := range s.roster {
		if u.Username == s.self.Username && s.conn != nil {
			u.Latency = s.conn.Latency()
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// UpdateUserMetadata merges md into the local user's metadata and tells
// the other participants. A nil value deletes its key.
func (s *Session) UpdateUserMetadata(ctx context.Context, md map[string]any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrDisconnected
	}
	for k, v := range md {
		if v == nil {
			delete(s.self.Metadata, k)
			continue
		}
		s.self.Metadata[k] = v
	}
	u := s.snapshotSelf()
	s.mu.Unlock()

	if err := s.conn.UpdateUser(ctx, u); err != nil {
		return transportErr("update user", err)
	}
	return nil
}

// snapshotSelf copies the local user record into the roster and returns
// it. Callers hold s.mu.
func (s *Session) snapshotSelf() model.User {
	u := s.self
	u.Metadata = make(map[string]any, len(s.self.Metadata))
	for k, v := range s.self.Metadata {
		u.Metadata[k] = v
	}
	if s.conn != nil {
		u.Latency = s.conn.Latency()
	}
	if cur, ok := s.roster[u.Username]; ok {
		u.JoinedAt = cur.JoinedAt
	}
	s.roster[u.Username] = u
	return u
}

func (s *Session) updateRoster(f transport.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch f.Kind {
	case transport.KindUser:
		if f.User != nil {
			s.roster[f.User.Username] = *f.User
		}
	case transport.KindLeave:
		delete(s.roster, f.Sender)
	}
}
