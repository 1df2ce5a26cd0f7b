// Package model defines the core domain types for scenemesh.
//
// Scenemesh keeps many participants' copies of a shared, typed object graph
// consistent while each participant mutates the part of the graph it owns.
// Two ideas carry the design:
//
//   - Nodes, not objects: every replicated entity is a Node addressed by a
//     stable uuid. A node stores the last serialized representation known to
//     this process (its Buffer) and the uuids of the nodes it depends on. The
//     live host object is an optional, re-resolvable handle.
//
//   - Ownership, not consensus: each node names one exclusive writer, or the
//     Common pseudo-owner meaning anyone may claim it. Conflicting writes are
//     possible and resolved by last-writer-wins in Lamport order; the loser's
//     local edit is rolled back when it learns it lacked the right.
package model

import (
	"time"

	"github.com/daviddao/scenemesh/pkg/clock"
)

// Common is the owner sentinel for unowned, shared nodes.
const Common = "COMMON"

// Buffer is the last serialized representation of a node.
//
// Structural types fill Fields with a nested map of primitives; binary types
// carry their opaque payload in Blob (Fields may still hold small metadata
// such as a name). An empty buffer is a tombstone.
type Buffer struct {
	Fields map[string]any `json:"fields,omitempty"`
	Blob   []byte         `json:"blob,omitempty"`
}

// IsEmpty reports whether the buffer carries no state at all.
func (b Buffer) IsEmpty() bool {
	return len(b.Fields) == 0 && len(b.Blob) == 0
}

// Clone returns a deep copy of b.
func (b Buffer) Clone() Buffer {
	out := Buffer{}
	if b.Fields != nil {
		out.Fields = cloneMap(b.Fields)
	}
	if b.Blob != nil {
		out.Blob = append([]byte(nil), b.Blob...)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []float64:
		return append([]float64(nil), val...)
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}

// Node is one replicated unit of state.
type Node struct {
	// UUID is the primary key. Assigned once, never reused.
	UUID string `json:"uuid"`
	// TypeID names the implementation that serializes and materializes the
	// live counterpart.
	TypeID string `json:"type_id"`
	// Owner is the exclusive writer, or Common.
	Owner string `json:"owner"`
	// OwnerStamp is the Lamport stamp of the claim that set Owner.
	OwnerStamp clock.Stamp `json:"owner_stamp"`
	State      State       `json:"state"`
	Buffer     Buffer      `json:"buffer"`
	// Dependencies must be materialized before this node. Ordered, no
	// duplicates, never contains UUID itself.
	Dependencies []string `json:"dependencies,omitempty"`

	// Instance is the cached live handle; nil until resolved or constructed.
	Instance any `json:"-"`
	// Err holds the failure that moved the node to ERROR.
	Err error `json:"-"`
	// Stale marks a node whose buffer no longer matches the sender's delta
	// base and needs a full frame before it can be applied again.
	Stale bool `json:"stale,omitempty"`
}

// Clone returns a copy of n safe to hand outside the repository lock. The
// live instance handle is shared, everything else is copied.
func (n *Node) Clone() Node {
	c := *n
	c.Buffer = n.Buffer.Clone()
	c.Dependencies = append([]string(nil), n.Dependencies...)
	return c
}

// IsCommon reports whether the node is unowned.
func (n *Node) IsCommon() bool { return n.Owner == Common }

// User is the ephemeral record of one connected participant.
type User struct {
	Username string         `json:"username"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Latency  time.Duration  `json:"latency"`
	JoinedAt time.Time      `json:"joined_at"`
	LastSeen time.Time      `json:"last_seen"`
}
