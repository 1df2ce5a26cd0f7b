// Package transport moves replication frames between participants and the
// relay.
//
// Three logical channels exist: a collector that carries a participant's
// outgoing changes to the relay (Publisher), a request/response exchange
// that streams the full graph to a joining participant (Snapshot), and a
// fan-out subscription that delivers everyone else's changes (Receive). The
// channels preserve FIFO order between one sender and one receiver; nothing
// stronger is assumed.
package transport

import (
	"encoding/json"
	"fmt"

	"github.com/daviddao/scenemesh/pkg/clock"
	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/model"
)

// Kind discriminates frames.
type Kind string

const (
	// KindNode carries a full buffer.
	KindNode Kind = "node"
	// KindDelta carries a diff against the receiver's current buffer.
	KindDelta Kind = "delta"
	// KindOwner announces an ownership change only.
	KindOwner Kind = "owner"
	// KindTombstone announces a deletion.
	KindTombstone Kind = "tombstone"
	// KindUser carries a roster entry.
	KindUser Kind = "user"
	// KindLeave announces that a participant disconnected.
	KindLeave Kind = "leave"
	// KindReject is the relay refusing a frame; it carries the authoritative
	// node state so the sender can roll back.
	KindReject Kind = "reject"
)

// SnapshotEnd is the reserved uuid terminating a snapshot stream.
const SnapshotEnd = "SNAPSHOT_END"

// Frame is one unit on the wire: [uuid][owner][type_id][payload] plus the
// bookkeeping the protocol needs. An absent payload on a node frame is a
// tombstone.
type Frame struct {
	Kind      Kind          `json:"kind"`
	UUID      string        `json:"uuid,omitempty"`
	Owner     string        `json:"owner,omitempty"`
	PrevOwner string        `json:"prev_owner,omitempty"`
	TypeID    string        `json:"type_id,omitempty"`
	Payload   *model.Buffer `json:"payload,omitempty"`
	Delta     *diff.Delta   `json:"delta,omitempty"`
	// Dependencies travel with the payload so receivers can order applies.
	Dependencies []string    `json:"dependencies,omitempty"`
	Stamp        clock.Stamp `json:"stamp"`
	// OwnerStamp is the stamp of the claim that set Owner.
	OwnerStamp clock.Stamp `json:"owner_stamp"`
	Sender     string      `json:"sender,omitempty"`
	User       *model.User `json:"user,omitempty"`
	// Error explains a reject.
	Error string `json:"error,omitempty"`
}

// EndOfSnapshot returns the terminating frame of a snapshot stream.
func EndOfSnapshot() Frame {
	return Frame{Kind: KindNode, UUID: SnapshotEnd}
}

// IsSnapshotEnd reports whether f terminates a snapshot stream.
func (f Frame) IsSnapshotEnd() bool { return f.UUID == SnapshotEnd }

// IsTombstone reports whether f announces a deletion.
func (f Frame) IsTombstone() bool {
	return f.Kind == KindTombstone || (f.Kind == KindNode && (f.Payload == nil || f.Payload.IsEmpty()))
}

// Validate rejects frames that cannot be processed.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindNode, KindTombstone:
		if f.UUID == "" {
			return malformed(f, "missing uuid")
		}
		if f.Kind == KindNode && !f.IsSnapshotEnd() && !f.IsTombstone() && f.TypeID == "" {
			return malformed(f, "missing type id")
		}
	case KindDelta:
		if f.UUID == "" || f.Delta == nil {
			return malformed(f, "delta frame needs uuid and delta")
		}
	case KindOwner:
		if f.UUID == "" || f.Owner == "" {
			return malformed(f, "owner frame needs uuid and owner")
		}
	case KindReject:
		if f.UUID == "" {
			return malformed(f, "missing uuid")
		}
	case KindUser:
		if f.User == nil || f.User.Username == "" {
			return malformed(f, "user frame needs a username")
		}
	case KindLeave:
		if f.Sender == "" {
			return malformed(f, "leave frame needs a sender")
		}
	default:
		return malformed(f, "unknown kind")
	}
	return nil
}

func malformed(f Frame, why string) error {
	return fmt.Errorf("frame %s %q: %s: %w", f.Kind, f.UUID, why, model.ErrTransport)
}

// Encode marshals f.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w: %w", model.ErrTransport, err)
	}
	return data, nil
}

// Decode unmarshals and validates one frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w: %w", model.ErrTransport, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
