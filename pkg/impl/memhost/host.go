// Package memhost is an in-memory scene host.
//
// It stands in for a 3D content tool: a flat set of live datablocks (scenes,
// collections, objects, meshes, images) that reference one another by
// pointer. Each kind has an Implementation with an explicit field list; the
// CLI uses it for its demo scene and the engine tests use it as the host.
package memhost

import (
	"sort"
	"sync"

	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/impl"
)

// Host owns the live datablocks. All reads and writes of datablock fields
// go through the host lock: use Edit to mutate from outside the package.
type Host struct {
	mu    sync.Mutex
	items map[impl.Instance]struct{}
}

// NewHost returns an empty host.
func NewHost() *Host {
	return &Host{items: make(map[impl.Instance]struct{})}
}

// Edit runs fn under the host lock.
func (h *Host) Edit(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

// Add links inst into the host.
func (h *Host) Add(inst impl.Instance) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[inst] = struct{}{}
}

// Delete unlinks inst. It reports whether inst was present.
func (h *Host) Delete(inst impl.Instance) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.items[inst]
	delete(h.items, inst)
	return ok
}

// Find returns the live datablock bound to uuid.
func (h *Host) Find(uuid string) (impl.Instance, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.find(uuid)
}

func (h *Host) find(uuid string) (impl.Instance, bool) {
	if uuid == "" {
		return nil, false
	}
	for inst := range h.items {
		if inst.UUID() == uuid {
			return inst, true
		}
	}
	return nil, false
}

// findUnbound returns an unbound datablock of kind named name.
func (h *Host) findUnbound(kind, name string) (impl.Instance, bool) {
	for inst := range h.items {
		if inst.UUID() == "" && inst.TypeID() == kind && nameOf(inst) == name {
			return inst, true
		}
	}
	return nil, false
}

// Len returns the number of linked datablocks.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Instances returns every linked datablock of kind (all kinds when kind is
// empty), sorted by uuid then name.
func (h *Host) Instances(kind string) []impl.Instance {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []impl.Instance
	for inst := range h.items {
		if kind == "" || inst.TypeID() == kind {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].UUID() != out[b].UUID() {
			return out[a].UUID() < out[b].UUID()
		}
		return nameOf(out[a]) < nameOf(out[b])
	})
	return out
}

// Register adds every memhost kind bound to h to r.
func Register(r *impl.Registry, h *Host) error {
	for _, i := range Implementations(h) {
		if err := r.Register(i); err != nil {
			return err
		}
	}
	return nil
}

// Implementations returns one Implementation per kind, bound to h.
func Implementations(h *Host) []impl.Implementation {
	return []impl.Implementation{
		&sceneImpl{kind{h: h, id: KindScene, policy: policy(diff.Structural, 0, true, false)}},
		&collectionImpl{kind{h: h, id: KindCollection, policy: policy(diff.Structural, 1, false, false)}},
		&imageImpl{kind{h: h, id: KindImage, policy: policy(diff.Binary, 2, false, false)}},
		&meshImpl{kind{h: h, id: KindMesh, policy: policy(diff.Structural, 3, false, true)}},
		&objectImpl{kind{h: h, id: KindObject, policy: policy(diff.Structural, 4, false, false)}},
	}
}
