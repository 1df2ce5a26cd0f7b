package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/daviddao/scenemesh/pkg/model"
	"github.com/daviddao/scenemesh/pkg/transport"
)

// LocalConn is an in-process Transport to a Server. The hosting participant
// uses it instead of a socket; tests use it to run many participants in one
// process.
type LocalConn struct {
	srv    *Server
	user   string
	inbox  *transport.Queue
	closed atomic.Bool
}

var _ transport.Transport = (*LocalConn)(nil)

// Connect joins u and returns their connection.
func (s *Server) Connect(u model.User) (*LocalConn, error) {
	q, err := s.Join(u)
	if err != nil {
		return nil, err
	}
	return &LocalConn{srv: s, user: u.Username, inbox: q}, nil
}

// Publish hands f to the relay's collector.
func (c *LocalConn) Publish(ctx context.Context, f transport.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return fmt.Errorf("publish %s: %w", f.UUID, transport.ErrClosed)
	}
	return c.srv.Publish(c.user, f)
}

// Snapshot returns the relay's graph without the end marker.
func (c *LocalConn) Snapshot(ctx context.Context) ([]transport.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, fmt.Errorf("snapshot: %w", transport.ErrClosed)
	}
	frames := c.srv.Snapshot()
	return frames[:len(frames)-1], nil
}

// Receive polls the fan-out queue.
func (c *LocalConn) Receive(ctx context.Context, max int, timeout time.Duration) ([]transport.Frame, error) {
	return c.inbox.Wait(ctx, max, timeout)
}

// UpdateUser replaces this participant's roster entry.
func (c *LocalConn) UpdateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.srv.UpdateUser(c.user, u)
}

// Latency is always zero in process.
func (c *LocalConn) Latency() time.Duration { return 0 }

// Close leaves the relay. Closing twice is a no-op.
func (c *LocalConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.srv.Leave(c.user)
	return nil
}
