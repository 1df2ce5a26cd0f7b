package transport

import (
	"context"
	"sync"
	"time"
)

// Queue is an unbounded FIFO of frames with a wake-up signal. Producers
// never block, so a slow consumer cannot stall the socket reader or the
// relay fan-out.
type Queue struct {
	mu     sync.Mutex
	items  []Frame
	wake   chan struct{}
	closed bool
	err    error
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends frames. Pushing to a closed queue drops them.
func (q *Queue) Push(frames ...Frame) {
	if len(frames) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, frames...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes up to max frames without blocking (max <= 0 means all).
func (q *Queue) Pop(max int) []Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if n == 0 {
		return nil
	}
	if max > 0 && max < n {
		n = max
	}
	out := make([]Frame, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return out
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Wait pops up to max frames, waiting at most timeout for the first. A
// non-positive timeout polls once. It returns (nil, nil) on timeout,
// ctx.Err() on cancellation, and the close cause once the queue is closed
// and drained.
func (q *Queue) Wait(ctx context.Context, max int, timeout time.Duration) ([]Frame, error) {
	if frames := q.Pop(max); len(frames) > 0 {
		return frames, nil
	}
	if err := q.closeErr(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-q.wake:
			if frames := q.Pop(max); len(frames) > 0 {
				return frames, nil
			}
			if err := q.closeErr(); err != nil {
				return nil, err
			}
		case <-t.C:
			return q.Pop(max), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes waiters; cause (or ErrClosed when nil) is returned once the
// queue drains.
func (q *Queue) Close(cause error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if cause == nil {
		cause = ErrClosed
	}
	q.err = cause
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) closeErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
