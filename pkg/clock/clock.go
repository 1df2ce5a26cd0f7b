// Package clock implements the Lamport logical clock that orders replication
// frames.
//
// From Lamport (1978), two implementation rules govern the clock:
//
//	IR1 (internal event): Before any local event (commit, lock, remove),
//	     increment the clock.
//	IR2 (message receipt): On receiving a frame stamped t, set the clock to
//	     max(own, t) + 1.
//
// A Stamp pairs the counter with the participant that produced it. The total
// order over stamps (counter first, origin as tie-break) gives every replica
// the same answer to "which ownership claim is newer" without a coordinator,
// which is what makes last-writer-wins deterministic across receivers.
package clock

import "sync"

// Clock is a Lamport logical clock. Safe for concurrent use: the receive loop
// and host-triggered operations may tick it from different goroutines.
type Clock struct {
	mu sync.Mutex
	ts int64
}

// Tick implements IR1: increment the clock before a local event.
// Returns the new timestamp.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Receive implements IR2: on receiving a frame stamped received, set the
// clock to max(own, received) + 1. Returns the new timestamp.
func (c *Clock) Receive(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.ts {
		c.ts = received
	}
	c.ts++
	return c.ts
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// Set initializes the clock to a specific value. Used by the relay to seed
// from the persisted journal on restart.
func (c *Clock) Set(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts = v
}

// Stamp is a Lamport timestamp tagged with the participant that issued it.
type Stamp struct {
	TS     int64  `json:"ts"`
	Origin string `json:"origin,omitempty"`
}

// Next ticks c and returns a stamp for origin.
func (c *Clock) Next(origin string) Stamp {
	return Stamp{TS: c.Tick(), Origin: origin}
}

// IsZero reports whether s was never assigned.
func (s Stamp) IsZero() bool { return s.TS == 0 && s.Origin == "" }

// Less reports whether s precedes other in the total order.
func (s Stamp) Less(other Stamp) bool {
	return TotalOrderLess(s.TS, s.Origin, other.TS, other.Origin)
}

// TotalOrderLess defines a deterministic total order over events.
// Given two events with timestamps tsA and tsB from participants originA and
// originB, event A is "less" (happened earlier) if:
//
//	tsA < tsB, or
//	tsA == tsB and originA < originB (lexicographic)
//
// This is the standard Lamport total order.
func TotalOrderLess(tsA int64, originA string, tsB int64, originB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return originA < originB
}
