package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/ownership"
	"github.com/daviddao/scenemesh/pkg/repository"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// RefreshReport is what one Refresh staged and shipped.
type RefreshReport struct {
	// Committed lists the nodes now COMMITTED, dependencies first.
	Committed []string
	// Pushed lists the committed nodes that reached the relay.
	Pushed []string
}

// SanitizeReport is what one Sanitize repaired.
type SanitizeReport struct {
	Purged   []string
	Resynced []string
	Retried  []string
}

// ----------------------------------------------------------------------------
// Receive and apply
// ----------------------------------------------------------------------------

// Poll fetches the frames the relay fanned out since the last call, waiting
// at most cfg.PollTimeout for the first one. It returns the number of
// frames handled. Fetched nodes wait for ApplyPending.
func (s *Session) Poll(ctx context.Context) (int, error) {
	if s.isClosed() {
		return 0, ErrDisconnected
	}
	frames, err := s.conn.Receive(ctx, 0, s.cfg.PollTimeout)
	if err != nil {
		return 0, err
	}
	s.ingest(frames)
	return len(frames), nil
}

// ingest routes roster frames to the roster and everything else to the
// repository, in arrival order.
func (s *Session) ingest(frames []transport.Frame) {
	for _, f := range frames {
		if f.Kind == transport.KindUser || f.Kind == transport.KindLeave {
			s.updateRoster(f)
			continue
		}
		res, err := s.repo.Fetch(f)
		if err != nil {
			s.log.Warn("frame dropped", "uuid", f.UUID, "kind", f.Kind, "error", err)
			s.emit(transportErr("fetch "+f.UUID, err))
			continue
		}
		if res.Rejected != nil {
			s.emit(res.Rejected)
		}
	}
}

// ApplyPending materializes every fetched node. Each failure is delivered
// on Errors.
func (s *Session) ApplyPending() repository.ApplyReport {
	rep := s.repo.ApplyPending()
	ids := make([]string, 0, len(rep.Failed))
	for id := range rep.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.emit(rep.Failed[id])
	}
	return rep
}

// ----------------------------------------------------------------------------
// Local changes
// ----------------------------------------------------------------------------

// Refresh scans the live instances of typeID for divergence, commits what
// changed and, when the kind auto-pushes, ships it. Common nodes are only
// scanned when the kind is CommonCheckable. Nodes someone else owns are
// scanned so that an edit the user had no right to make is rolled back;
// the refusal is delivered on Errors. Dependencies a commit linked are
// committed too.
func (s *Session) Refresh(ctx context.Context, typeID string) (RefreshReport, error) {
	p, ok := s.reg.Policy(typeID)
	if !ok {
		return RefreshReport{}, fmt.Errorf("refresh %s: %w", typeID, model.ErrUnknownType)
	}
	if s.isClosed() {
		return RefreshReport{}, ErrDisconnected
	}

	staged := make(map[string]bool)
	for _, n := range s.repo.List(repository.Filter{TypeID: typeID}) {
		if n.IsCommon() && !p.CommonCheckable {
			continue
		}
		switch n.State {
		case model.StateUp, model.StatePushed:
			modified, err := s.repo.CheckModified(n.UUID)
			if err != nil {
				s.emit(err)
				continue
			}
			if !modified {
				continue
			}
		case model.StateModified, model.StateCommitted:
		default:
			continue
		}
		if s.commit(n.UUID) {
			staged[n.UUID] = true
		}
	}
	for _, id := range s.commitAdded() {
		staged[id] = true
	}

	rep := RefreshReport{Committed: s.repo.Ordered(keys(staged))}
	if !p.AutoPush || len(rep.Committed) == 0 {
		return rep, nil
	}
	pushed, err := s.push(ctx, rep.Committed)
	rep.Pushed = pushed
	return rep, err
}

// Add shares inst and its unshared dependencies, owned by the local user
// unless opts say otherwise, and pushes them. It returns inst's uuid.
func (s *Session) Add(ctx context.Context, inst impl.Instance, opts ...repository.AddOption) (string, error) {
	if s.isClosed() {
		return "", ErrDisconnected
	}
	id, err := s.repo.Add(inst, opts...)
	if err != nil {
		return "", err
	}
	if _, err := s.publishAdded(ctx); err != nil {
		return id, err
	}
	return id, nil
}

// Push ships the given COMMITTED nodes, or every COMMITTED node when ids is
// empty, dependencies first. It returns the uuids that reached the relay.
func (s *Session) Push(ctx context.Context, ids ...string) ([]string, error) {
	if s.isClosed() {
		return nil, ErrDisconnected
	}
	if len(ids) == 0 {
		for _, n := range s.repo.List(repository.Filter{State: model.StateCommitted}) {
			ids = append(ids, n.UUID)
		}
	}
	return s.push(ctx, s.repo.Ordered(ids))
}

// publishAdded commits and pushes every ADDED node.
func (s *Session) publishAdded(ctx context.Context) ([]string, error) {
	return s.push(ctx, s.repo.Ordered(s.commitAdded()))
}

func (s *Session) commitAdded() []string {
	var out []string
	for _, n := range s.repo.List(repository.Filter{State: model.StateAdded}) {
		if s.commit(n.UUID) {
			out = append(out, n.UUID)
		}
	}
	return out
}

// commit reports whether id is COMMITTED afterwards.
func (s *Session) commit(id string) bool {
	if err := s.repo.Commit(id); err != nil {
		s.emit(err)
		return false
	}
	n, ok := s.repo.Get(id)
	return ok && n.State == model.StateCommitted
}

// push publishes ids in the given order. A transport failure stops the
// batch: the remaining nodes stay COMMITTED for the next attempt.
func (s *Session) push(ctx context.Context, ids []string) ([]string, error) {
	var pushed []string
	for _, id := range ids {
		err := s.repo.Push(ctx, id, Remote)
		switch {
		case err == nil:
			pushed = append(pushed, id)
		case errors.Is(err, model.ErrTransport):
			return pushed, fmt.Errorf("push: %w", err)
		default:
			s.emit(err)
		}
	}
	return pushed, nil
}

// ----------------------------------------------------------------------------
// Selection
// ----------------------------------------------------------------------------

// Select adds ids to the user's selection and locks each with its
// dependencies. Nodes someone else owns are skipped and reported, so a
// partial selection still locks what it can. The selection is published
// in the user's metadata under "selected".
func (s *Session) Select(ctx context.Context, ids ...string) (ownership.Result, error) {
	if s.isClosed() {
		return ownership.Result{}, ErrDisconnected
	}
	var out ownership.Result
	var errs []error
	for _, id := range ids {
		res, err := s.repo.Lock(ctx, id, true)
		if errors.Is(err, model.ErrNonAuthorized) || errors.Is(err, model.ErrUnknownNode) {
			out.Skipped = append(out.Skipped, id)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
		out.Changed = append(out.Changed, res.Changed...)
		out.Skipped = append(out.Skipped, res.Skipped...)
		s.mu.Lock()
		s.selected[id] = true
		s.mu.Unlock()
	}
	if err := s.publishSelection(ctx); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}

// Deselect removes ids from the selection and applies the rights policy:
// under COMMON the nodes, and the dependencies nothing still selected
// needs, go back to Common; under STRICT the locks stay. It returns the
// released uuids.
func (s *Session) Deselect(ctx context.Context, ids ...string) ([]string, error) {
	if s.isClosed() {
		return nil, ErrDisconnected
	}
	s.mu.Lock()
	for _, id := range ids {
		delete(s.selected, id)
	}
	remaining := keys(s.selected)
	s.mu.Unlock()

	released, err := s.repo.Deselect(ctx, s.policy, ids, remaining)
	if perr := s.publishSelection(ctx); perr != nil {
		err = errors.Join(err, perr)
	}
	return released, err
}

// Selection returns the selected uuids, sorted.
func (s *Session) Selection() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return keys(s.selected)
}

func (s *Session) publishSelection(ctx context.Context) error {
	s.mu.Lock()
	sel := keys(s.selected)
	s.mu.Unlock()
	return s.UpdateUserMetadata(ctx, map[string]any{"selected": sel})
}

// ----------------------------------------------------------------------------
// Sanitize
// ----------------------------------------------------------------------------

// Sanitize repairs the graph: orphans whose live instance is gone are
// purged, stale nodes are resynchronized from a fresh relay snapshot, and
// ERROR nodes that failed to resolve are queued for another apply. Nodes
// that failed to construct stay ERROR until a new frame or an explicit
// Retry.
func (s *Session) Sanitize(ctx context.Context) (SanitizeReport, error) {
	if s.isClosed() {
		return SanitizeReport{}, ErrDisconnected
	}
	var rep SanitizeReport
	var errs []error

	purged, err := s.repo.Purge(ctx)
	rep.Purged = purged
	if err != nil {
		errs = append(errs, err)
	}

	if stale := s.repo.StaleUUIDs(); len(stale) > 0 {
		resynced, err := s.resync(ctx, stale)
		rep.Resynced = resynced
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, n := range s.repo.List(repository.Filter{State: model.StateError}) {
		// A construction failure repeats until its buffer changes.
		if !errors.Is(n.Err, model.ErrResolution) {
			continue
		}
		ok, err := s.repo.Retry(n.UUID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			rep.Retried = append(rep.Retried, n.UUID)
		}
	}
	if len(rep.Purged)+len(rep.Resynced)+len(rep.Retried) > 0 {
		s.log.Info("graph sanitized", "purged", len(rep.Purged), "resynced", len(rep.Resynced), "retried", len(rep.Retried))
	}
	return rep, errors.Join(errs...)
}

// resync replaces stale nodes with the relay's full frames.
func (s *Session) resync(ctx context.Context, stale []string) ([]string, error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	frames, err := s.conn.Snapshot(sctx)
	if err != nil {
		return nil, transportErr("resync", err)
	}
	want := make(map[string]bool, len(stale))
	for _, id := range stale {
		want[id] = true
	}
	var out []string
	for _, f := range frames {
		if f.Kind != transport.KindNode || !want[f.UUID] {
			continue
		}
		if _, err := s.repo.Fetch(f); err != nil {
			s.emit(transportErr("resync "+f.UUID, err))
			continue
		}
		out = append(out, f.UUID)
	}
	return out, nil
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
