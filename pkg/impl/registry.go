package impl

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/model"
)

// Override adjusts a registered kind's scheduling from configuration. Zero
// durations and a nil AutoPush keep the kind's own value.
type Override struct {
	RefreshInterval time.Duration
	ApplyInterval   time.Duration
	AutoPush        *bool
}

// Registry is the typed table of implementations, keyed by type id.
type Registry struct {
	mu       sync.RWMutex
	impls    map[string]Implementation
	policies map[string]Policy
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		impls:    make(map[string]Implementation),
		policies: make(map[string]Policy),
	}
}

// Register adds i. A kind must declare a diff strategy and a type id may
// only be registered once.
func (r *Registry) Register(i Implementation) error {
	id := i.TypeID()
	if id == "" {
		return fmt.Errorf("register: empty type id")
	}
	p := i.Policy()
	if !p.Diff.Valid() {
		return fmt.Errorf("register %s: %w: %q", id, diff.ErrUnknownStrategy, p.Diff)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.impls[id]; dup {
		return fmt.Errorf("register %s: already registered", id)
	}
	r.impls[id] = i
	r.policies[id] = p
	return nil
}

// Override applies configuration overrides to a registered kind.
func (r *Registry) Override(typeID string, o Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[typeID]
	if !ok {
		return fmt.Errorf("override %s: %w", typeID, model.ErrUnknownType)
	}
	if o.RefreshInterval > 0 {
		p.RefreshInterval = o.RefreshInterval
	}
	if o.ApplyInterval > 0 {
		p.ApplyInterval = o.ApplyInterval
	}
	if o.AutoPush != nil {
		p.AutoPush = *o.AutoPush
	}
	r.policies[typeID] = p
	return nil
}

// Lookup returns the implementation for typeID.
func (r *Registry) Lookup(typeID string) (Implementation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.impls[typeID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownType, typeID)
	}
	return i, nil
}

// Policy returns the effective policy for typeID. ok is false for unknown
// kinds.
func (r *Registry) Policy(typeID string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[typeID]
	return p, ok
}

// TypeIDs lists registered kinds by (priority, type id).
func (r *Registry) TypeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.impls))
	for id := range r.impls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		pa, pb := r.policies[ids[a]].Priority, r.policies[ids[b]].Priority
		if pa != pb {
			return pa < pb
		}
		return ids[a] < ids[b]
	})
	return ids
}

// Priority ranks n by its kind's priority; unknown kinds go last.
func (r *Registry) Priority(n *model.Node) int {
	if p, ok := r.Policy(n.TypeID); ok {
		return p.Priority
	}
	return int(^uint(0) >> 1)
}

// Diff computes the delta between two buffers of typeID using the kind's
// declared strategy.
func (r *Registry) Diff(typeID string, old, new model.Buffer) (*diff.Delta, error) {
	p, ok := r.Policy(typeID)
	if !ok {
		return nil, fmt.Errorf("diff %s: %w", typeID, model.ErrUnknownType)
	}
	return diff.Compute(p.Diff, old, new)
}
