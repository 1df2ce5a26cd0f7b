package memhost

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/daviddao/scenemesh/pkg/diff"
	"github.com/daviddao/scenemesh/pkg/impl"
	"github.com/daviddao/scenemesh/pkg/model"
)

// Kind type ids.
const (
	KindScene      = "Scene"
	KindCollection = "Collection"
	KindObject     = "Object"
	KindMesh       = "Mesh"
	KindImage      = "Image"
)

// block carries what every datablock has: a uuid binding and a name. The
// name belongs to the host and may collide or change; the uuid does not.
type block struct {
	id   atomic.Value
	Name string
}

func (b *block) UUID() string {
	s, _ := b.id.Load().(string)
	return s
}

func (b *block) SetUUID(id string) { b.id.Store(id) }

// Scene is the root container.
type Scene struct {
	block
	FrameStart  int
	FrameEnd    int
	Collections []*Collection
}

func (*Scene) TypeID() string { return KindScene }

// Collection groups objects and nested collections.
type Collection struct {
	block
	Objects  []*Object
	Children []*Collection
}

func (*Collection) TypeID() string { return KindCollection }

// Object places optional mesh data in the scene.
type Object struct {
	block
	Location [3]float64
	Rotation [3]float64
	Scale    [3]float64
	Hidden   bool
	Data     *Mesh
}

func (*Object) TypeID() string { return KindObject }

// Mesh is triangle geometry with an optional texture.
type Mesh struct {
	block
	// Vertices is a flat xyz list.
	Vertices []float64
	// Faces is a flat list of vertex index triples.
	Faces   []int
	Texture *Image
}

func (*Mesh) TypeID() string { return KindMesh }

// Image is an opaque RGBA payload.
type Image struct {
	block
	Width  int
	Height int
	Pixels []byte
}

func (*Image) TypeID() string { return KindImage }

// NewScene builds an unbound scene; link it with Host.Add.
func NewScene(name string) *Scene {
	s := &Scene{FrameStart: 1, FrameEnd: 250}
	s.Name = name
	return s
}

// NewCollection builds an unbound collection.
func NewCollection(name string) *Collection {
	c := &Collection{}
	c.Name = name
	return c
}

// NewObject builds an unbound object with unit scale.
func NewObject(name string) *Object {
	o := &Object{Scale: [3]float64{1, 1, 1}}
	o.Name = name
	return o
}

// NewMesh builds an unbound mesh.
func NewMesh(name string) *Mesh {
	m := &Mesh{}
	m.Name = name
	return m
}

// NewImage builds an unbound image.
func NewImage(name string) *Image {
	i := &Image{}
	i.Name = name
	return i
}

func nameOf(inst impl.Instance) string {
	switch v := inst.(type) {
	case *Scene:
		return v.Name
	case *Collection:
		return v.Name
	case *Object:
		return v.Name
	case *Mesh:
		return v.Name
	case *Image:
		return v.Name
	}
	return ""
}

func policy(s diff.Strategy, priority int, commonCheckable, reloadParent bool) impl.Policy {
	return impl.Policy{
		Diff:                s,
		Priority:            priority,
		RefreshInterval:     time.Second,
		ApplyInterval:       time.Second,
		AutoPush:            true,
		CommonCheckable:     commonCheckable,
		ReloadParentOnApply: reloadParent,
	}
}

// kind is the part of an Implementation shared by every memhost kind.
type kind struct {
	h      *Host
	id     string
	policy impl.Policy
}

func (k *kind) TypeID() string      { return k.id }
func (k *kind) Policy() impl.Policy { return k.policy }

// Resolve finds the datablock bound to uuid, or an unbound datablock of the
// same kind carrying the buffer's name.
func (k *kind) Resolve(uuid string, buf model.Buffer) (impl.Instance, bool) {
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	if inst, ok := k.h.find(uuid); ok && inst.TypeID() == k.id {
		return inst, true
	}
	if name := str(buf.Fields, "name"); name != "" {
		return k.h.findUnbound(k.id, name)
	}
	return nil, false
}

// Remove unlinks inst from the host.
func (k *kind) Remove(inst impl.Instance) error {
	k.h.Delete(inst)
	return nil
}

func (k *kind) mismatch(inst impl.Instance) error {
	return fmt.Errorf("%s: unexpected instance %T", k.id, inst)
}

// lookup resolves a referenced uuid to a datablock of type T. Callers hold
// the host lock.
func lookup[T impl.Instance](h *Host, field, uuid string) (T, error) {
	var zero T
	inst, ok := h.find(uuid)
	if !ok {
		return zero, &model.FieldError{Field: field, Err: fmt.Errorf("%w: %s", model.ErrResolution, uuid)}
	}
	t, ok := inst.(T)
	if !ok {
		return zero, &model.FieldError{Field: field, Err: fmt.Errorf("%s is a %s", uuid, inst.TypeID())}
	}
	return t, nil
}

func lookupAll[T impl.Instance](h *Host, field string, v any) ([]T, error) {
	ids, err := strs(v)
	if err != nil {
		return nil, &model.FieldError{Field: field, Err: err}
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		t, err := lookup[T](h, field, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func uuidsOf[T impl.Instance](items []T) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.UUID())
	}
	return out
}

// ----------------------------------------------------------------------------
// Scene
// ----------------------------------------------------------------------------

type sceneImpl struct{ kind }

func (k *sceneImpl) Construct(buf model.Buffer) (impl.Instance, error) {
	s := NewScene(str(buf.Fields, "name"))
	k.h.Add(s)
	return s, nil
}

func (k *sceneImpl) Load(buf model.Buffer, inst impl.Instance) error {
	s, ok := inst.(*Scene)
	if !ok {
		return k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	cols, err := lookupAll[*Collection](k.h, "collections", buf.Fields["collections"])
	if err != nil {
		return err
	}
	start, err := intField(buf.Fields, "frame_start")
	if err != nil {
		return err
	}
	end, err := intField(buf.Fields, "frame_end")
	if err != nil {
		return err
	}
	s.Name = str(buf.Fields, "name")
	s.FrameStart, s.FrameEnd = start, end
	s.Collections = cols
	return nil
}

func (k *sceneImpl) Dump(inst impl.Instance) (model.Buffer, error) {
	s, ok := inst.(*Scene)
	if !ok {
		return model.Buffer{}, k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	return model.Buffer{Fields: map[string]any{
		"name":        s.Name,
		"frame_start": s.FrameStart,
		"frame_end":   s.FrameEnd,
		"collections": uuidsOf(s.Collections),
	}}, nil
}

func (k *sceneImpl) ResolveDependencies(inst impl.Instance) []impl.Instance {
	s, ok := inst.(*Scene)
	if !ok {
		return nil
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	out := make([]impl.Instance, 0, len(s.Collections))
	for _, c := range s.Collections {
		out = append(out, c)
	}
	return out
}

// ----------------------------------------------------------------------------
// Collection
// ----------------------------------------------------------------------------

type collectionImpl struct{ kind }

func (k *collectionImpl) Construct(buf model.Buffer) (impl.Instance, error) {
	c := NewCollection(str(buf.Fields, "name"))
	k.h.Add(c)
	return c, nil
}

func (k *collectionImpl) Load(buf model.Buffer, inst impl.Instance) error {
	c, ok := inst.(*Collection)
	if !ok {
		return k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	objs, err := lookupAll[*Object](k.h, "objects", buf.Fields["objects"])
	if err != nil {
		return err
	}
	children, err := lookupAll[*Collection](k.h, "children", buf.Fields["children"])
	if err != nil {
		return err
	}
	c.Name = str(buf.Fields, "name")
	c.Objects = objs
	c.Children = children
	return nil
}

func (k *collectionImpl) Dump(inst impl.Instance) (model.Buffer, error) {
	c, ok := inst.(*Collection)
	if !ok {
		return model.Buffer{}, k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	return model.Buffer{Fields: map[string]any{
		"name":     c.Name,
		"objects":  uuidsOf(c.Objects),
		"children": uuidsOf(c.Children),
	}}, nil
}

func (k *collectionImpl) ResolveDependencies(inst impl.Instance) []impl.Instance {
	c, ok := inst.(*Collection)
	if !ok {
		return nil
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	var out []impl.Instance
	for _, o := range c.Objects {
		out = append(out, o)
	}
	for _, ch := range c.Children {
		out = append(out, ch)
	}
	return out
}

// ----------------------------------------------------------------------------
// Object
// ----------------------------------------------------------------------------

type objectImpl struct{ kind }

func (k *objectImpl) Construct(buf model.Buffer) (impl.Instance, error) {
	o := NewObject(str(buf.Fields, "name"))
	k.h.Add(o)
	return o, nil
}

func (k *objectImpl) Load(buf model.Buffer, inst impl.Instance) error {
	o, ok := inst.(*Object)
	if !ok {
		return k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()

	var data *Mesh
	if id := str(buf.Fields, "data"); id != "" {
		m, err := lookup[*Mesh](k.h, "data", id)
		if err != nil {
			return err
		}
		data = m
	}
	loc, err := vec3(buf.Fields, "location")
	if err != nil {
		return err
	}
	rot, err := vec3(buf.Fields, "rotation")
	if err != nil {
		return err
	}
	scale, err := vec3(buf.Fields, "scale")
	if err != nil {
		return err
	}
	hidden, _ := buf.Fields["hidden"].(bool)

	o.Name = str(buf.Fields, "name")
	o.Location, o.Rotation, o.Scale = loc, rot, scale
	o.Hidden = hidden
	o.Data = data
	return nil
}

func (k *objectImpl) Dump(inst impl.Instance) (model.Buffer, error) {
	o, ok := inst.(*Object)
	if !ok {
		return model.Buffer{}, k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	data := ""
	if o.Data != nil {
		data = o.Data.UUID()
	}
	return model.Buffer{Fields: map[string]any{
		"name":     o.Name,
		"location": append([]float64(nil), o.Location[:]...),
		"rotation": append([]float64(nil), o.Rotation[:]...),
		"scale":    append([]float64(nil), o.Scale[:]...),
		"hidden":   o.Hidden,
		"data":     data,
	}}, nil
}

func (k *objectImpl) ResolveDependencies(inst impl.Instance) []impl.Instance {
	o, ok := inst.(*Object)
	if !ok {
		return nil
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	if o.Data == nil {
		return nil
	}
	return []impl.Instance{o.Data}
}

// ----------------------------------------------------------------------------
// Mesh
// ----------------------------------------------------------------------------

type meshImpl struct{ kind }

func (k *meshImpl) Construct(buf model.Buffer) (impl.Instance, error) {
	m := NewMesh(str(buf.Fields, "name"))
	k.h.Add(m)
	return m, nil
}

func (k *meshImpl) Load(buf model.Buffer, inst impl.Instance) error {
	m, ok := inst.(*Mesh)
	if !ok {
		return k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()

	verts, err := floats(buf.Fields["vertices"])
	if err != nil {
		return &model.FieldError{Field: "vertices", Err: err}
	}
	if len(verts)%3 != 0 {
		return &model.FieldError{Field: "vertices", Err: fmt.Errorf("length %d is not a multiple of 3", len(verts))}
	}
	faces, err := ints(buf.Fields["faces"])
	if err != nil {
		return &model.FieldError{Field: "faces", Err: err}
	}
	for _, f := range faces {
		if f < 0 || f >= len(verts)/3 {
			return &model.FieldError{Field: "faces", Err: fmt.Errorf("index %d out of range", f)}
		}
	}
	var tex *Image
	if id := str(buf.Fields, "texture"); id != "" {
		img, err := lookup[*Image](k.h, "texture", id)
		if err != nil {
			return err
		}
		tex = img
	}

	m.Name = str(buf.Fields, "name")
	m.Vertices = verts
	m.Faces = faces
	m.Texture = tex
	return nil
}

func (k *meshImpl) Dump(inst impl.Instance) (model.Buffer, error) {
	m, ok := inst.(*Mesh)
	if !ok {
		return model.Buffer{}, k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	tex := ""
	if m.Texture != nil {
		tex = m.Texture.UUID()
	}
	return model.Buffer{Fields: map[string]any{
		"name":     m.Name,
		"vertices": append([]float64{}, m.Vertices...),
		"faces":    append([]int{}, m.Faces...),
		"texture":  tex,
	}}, nil
}

func (k *meshImpl) ResolveDependencies(inst impl.Instance) []impl.Instance {
	m, ok := inst.(*Mesh)
	if !ok {
		return nil
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	if m.Texture == nil {
		return nil
	}
	return []impl.Instance{m.Texture}
}

// ----------------------------------------------------------------------------
// Image
// ----------------------------------------------------------------------------

type imageImpl struct{ kind }

func (k *imageImpl) Construct(buf model.Buffer) (impl.Instance, error) {
	img := NewImage(str(buf.Fields, "name"))
	k.h.Add(img)
	return img, nil
}

func (k *imageImpl) Load(buf model.Buffer, inst impl.Instance) error {
	img, ok := inst.(*Image)
	if !ok {
		return k.mismatch(inst)
	}
	w, err := intField(buf.Fields, "width")
	if err != nil {
		return err
	}
	h, err := intField(buf.Fields, "height")
	if err != nil {
		return err
	}
	if want := w * h * 4; len(buf.Blob) != want {
		return &model.FieldError{Field: "pixels", Err: fmt.Errorf("got %d bytes, want %d", len(buf.Blob), want)}
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	img.Name = str(buf.Fields, "name")
	img.Width, img.Height = w, h
	img.Pixels = append([]byte(nil), buf.Blob...)
	return nil
}

func (k *imageImpl) Dump(inst impl.Instance) (model.Buffer, error) {
	img, ok := inst.(*Image)
	if !ok {
		return model.Buffer{}, k.mismatch(inst)
	}
	k.h.mu.Lock()
	defer k.h.mu.Unlock()
	return model.Buffer{
		Fields: map[string]any{
			"name":   img.Name,
			"width":  img.Width,
			"height": img.Height,
		},
		Blob: append([]byte(nil), img.Pixels...),
	}, nil
}

func (k *imageImpl) ResolveDependencies(impl.Instance) []impl.Instance { return nil }
