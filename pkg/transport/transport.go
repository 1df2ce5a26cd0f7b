package transport

import (
	"context"
	"errors"
	"time"

	"github.com/daviddao/scenemesh/pkg/model"
)

// ErrClosed is returned by operations on a closed transport or queue.
var ErrClosed = errors.New("transport closed")

// Publisher is the collector channel: it carries one participant's frames
// to the relay.
type Publisher interface {
	Publish(ctx context.Context, f Frame) error
}

// Transport is a participant's connection to a relay.
type Transport interface {
	Publisher
	// Snapshot requests the full graph and blocks until SnapshotEnd or ctx
	// expires. The end marker is not included in the result.
	Snapshot(ctx context.Context) ([]Frame, error)
	// Receive returns up to max fan-out frames (max <= 0 means all pending),
	// waiting at most timeout for the first one. A timeout yields no frames
	// and no error.
	Receive(ctx context.Context, max int, timeout time.Duration) ([]Frame, error)
	// UpdateUser replaces this participant's roster entry.
	UpdateUser(ctx context.Context, u model.User) error
	// Latency is the last measured round trip to the relay.
	Latency() time.Duration
	Close() error
}
