package model

import "fmt"

// State is a node's position in the replication lifecycle.
type State string

const (
	// StateAdded: created locally, not yet staged.
	StateAdded State = "ADDED"
	// StateCommitted: a fresh dump is stored in the buffer, ready to ship.
	StateCommitted State = "COMMITTED"
	// StatePushed: sent to the transport.
	StatePushed State = "PUSHED"
	// StateFetched: a remote buffer is stored but not yet materialized.
	StateFetched State = "FETCHED"
	// StateUp: live instance and buffer are known to match.
	StateUp State = "UP"
	// StateModified: the live instance diverges from the buffer.
	StateModified State = "MODIFIED"
	// StateError: resolution or construction failed.
	StateError State = "ERROR"
)

// transitions lists every legal edge of the state machine. FETCHED is
// reachable from the locally edited states because a remote frame from the
// rightful owner overrides a local edit (last-writer-denied rollback).
var transitions = map[State][]State{
	StateAdded:     {StateCommitted},
	StateCommitted: {StateCommitted, StatePushed, StateFetched},
	StatePushed:    {StateModified, StateFetched},
	StateFetched:   {StateFetched, StateUp},
	StateUp:        {StateModified, StateFetched},
	StateModified:  {StateCommitted, StateFetched},
	StateError:     {StateFetched},
}

// CanTransition reports whether from -> to is a legal edge. Every state may
// move to ERROR.
func CanTransition(from, to State) bool {
	if to == StateError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HasLiveInstance reports whether a node in state s is expected to have a
// materialized live counterpart, i.e. it can satisfy a dependency.
func (s State) HasLiveInstance() bool {
	switch s {
	case StateAdded, StateCommitted, StatePushed, StateUp, StateModified:
		return true
	}
	return false
}

// IsLocalEdit reports whether s holds local work not yet acknowledged.
func (s State) IsLocalEdit() bool {
	switch s {
	case StateAdded, StateCommitted, StateModified:
		return true
	}
	return false
}

// SetState moves n to state to, refusing illegal edges.
func (n *Node) SetState(to State) error {
	if !CanTransition(n.State, to) {
		return fmt.Errorf("node %s: %s -> %s: %w", n.UUID, n.State, to, ErrInvalidTransition)
	}
	n.State = to
	if to != StateError {
		n.Err = nil
	}
	return nil
}

// ForceState sets the state without consulting the transition table. Only
// rollback, relay rejects and error marking use it.
func (n *Node) ForceState(to State) {
	n.State = to
	if to != StateError {
		n.Err = nil
	}
}

// Fail moves n to ERROR and records cause.
func (n *Node) Fail(cause error) {
	n.ForceState(StateError)
	n.Err = cause
}
