package model

import (
	"errors"
	"fmt"
)

// Error kinds. Compare with errors.Is; every wrapper in the module keeps the
// kind reachable.
var (
	// ErrNonAuthorized: the caller wrote to a node it does not own and which
	// is not Common.
	ErrNonAuthorized = errors.New("non-authorized operation")
	// ErrResolution: a node's live instance or a dependency could not be found.
	ErrResolution = errors.New("resolution failed")
	// ErrTransport: send/receive failure, malformed frame or timeout.
	ErrTransport = errors.New("transport error")
	// ErrConstruction: a type's construct or load failed during apply.
	ErrConstruction = errors.New("construction failed")

	ErrUnknownNode       = errors.New("unknown node")
	ErrUnknownType       = errors.New("unknown type")
	ErrUnknownRemote     = errors.New("unknown remote")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// NodeError attaches node context to one of the error kinds above.
type NodeError struct {
	Op     string
	UUID   string
	TypeID string
	// Field names the offending field when the implementation reports one.
	Field string
	Kind  error
	Err   error
}

func (e *NodeError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.UUID)
	if e.TypeID != "" {
		msg += " (" + e.TypeID + ")"
	}
	if e.Field != "" {
		msg += " field " + e.Field
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As.
func (e *NodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FieldError lets implementations name the field that failed to load.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return "field " + e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }

// NewNodeError builds a NodeError, lifting the field name out of a
// FieldError cause when there is one.
func NewNodeError(op string, n *Node, kind, cause error) *NodeError {
	ne := &NodeError{Op: op, Kind: kind, Err: cause}
	if n != nil {
		ne.UUID = n.UUID
		ne.TypeID = n.TypeID
	}
	var fe *FieldError
	if errors.As(cause, &fe) {
		ne.Field = fe.Field
	}
	return ne
}
