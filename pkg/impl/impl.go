// Package impl defines the contract between the replication engine and the
// host application's entity kinds.
//
// Each replicated kind is a closed Implementation registered once at
// startup in a Registry. The engine never introspects live objects: it only
// sees the Buffer a kind dumps and the Instances a kind resolves.
package impl

import (
	"time"

	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/model"
)

// Instance is a live host-side object bound to a node.
type Instance interface {
	UUID() string
	SetUUID(string)
	TypeID() string
}

// Policy is the per-kind scheduling and conflict table.
type Policy struct {
	// Diff is mandatory; the registry refuses kinds without one.
	Diff diff.Strategy
	// Priority breaks ordering ties; lower applies first.
	Priority int
	// RefreshInterval is how often live instances of the kind are scanned
	// for divergence.
	RefreshInterval time.Duration
	// ApplyInterval is how often fetched nodes of the kind are applied.
	ApplyInterval time.Duration
	// AutoPush pushes a node as soon as the scan commits it.
	AutoPush bool
	// CommonCheckable lets the scan commit Common nodes the user has not
	// locked.
	CommonCheckable bool
	// ReloadParentOnApply re-applies live dependents after a node of this
	// kind is applied.
	ReloadParentOnApply bool
}

// Implementation serializes and materializes one entity kind.
type Implementation interface {
	TypeID() string
	Policy() Policy
	// Construct creates a new, empty live object for buf. Load fills it.
	Construct(buf model.Buffer) (Instance, error)
	// Load materializes buf onto inst.
	Load(buf model.Buffer, inst Instance) error
	// Dump captures the live state of inst.
	Dump(inst Instance) (model.Buffer, error)
	// Resolve finds the live object for uuid, falling back on whatever in
	// buf identifies it. Missing is not an error.
	Resolve(uuid string, buf model.Buffer) (Instance, bool)
	// ResolveDependencies lists the live objects inst needs to exist first.
	ResolveDependencies(inst Instance) []Instance
}

// Remover is implemented by kinds that can delete their live object when a
// remote tombstone arrives.
type Remover interface {
	Remove(inst Instance) error
}
