package session

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultApplyInterval is used when no registered kind sets ApplyInterval.
const defaultApplyInterval = time.Second

// Run schedules the session until ctx is cancelled or the relay connection
// fails:
//
//   - a receive loop polling with cfg.PollTimeout,
//   - one refresh task per registered kind at its RefreshInterval,
//   - one apply task at the smallest ApplyInterval,
//   - one sanitize task at cfg.SanitizeInterval.
//
// Tasks never overlap themselves. Run returns nil on cancellation or after
// Disconnect.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(ctx) })

	applyEvery := time.Duration(0)
	for _, id := range s.reg.TypeIDs() {
		p, _ := s.reg.Policy(id)
		if p.ApplyInterval > 0 && (applyEvery == 0 || p.ApplyInterval < applyEvery) {
			applyEvery = p.ApplyInterval
		}
		if p.RefreshInterval <= 0 {
			continue
		}
		g.Go(s.every(ctx, p.RefreshInterval, func(ctx context.Context) {
			if _, err := s.Refresh(ctx, id); err != nil {
				s.log.Warn("refresh", "type", id, "error", err)
			}
		}))
	}
	if applyEvery == 0 {
		applyEvery = defaultApplyInterval
	}
	g.Go(s.every(ctx, applyEvery, func(context.Context) { s.ApplyPending() }))
	g.Go(s.every(ctx, s.cfg.SanitizeInterval, func(ctx context.Context) {
		if _, err := s.Sanitize(ctx); err != nil {
			s.log.Warn("sanitize", "error", err)
		}
	}))

	s.log.Debug("scheduler started", "kinds", len(s.reg.TypeIDs()), "apply_every", applyEvery)
	return g.Wait()
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		if _, err := s.Poll(ctx); err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			s.log.Error("relay connection lost", "error", err)
			return fmt.Errorf("receive: %w", transportErr("poll", err))
		}
	}
	return nil
}

// every runs fn each period until ctx ends or the session closes.
func (s *Session) every(ctx context.Context, period time.Duration, fn func(context.Context)) func() error {
	return func() error {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if s.isClosed() {
					return nil
				}
				fn(ctx)
			}
		}
	}
}
