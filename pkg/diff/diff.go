// Package diff computes and applies deltas between node buffers.
//
// Every type declares one strategy up front:
//
//   - Structural: the buffer's fields are a nested mapping of primitives.
//     Both sides are normalized through JSON (numbers become float64, typed
//     slices become []any) and compared key by key. Arrays compare whole.
//   - Binary: the blob is opaque. It is compared by size, then by BLAKE3
//     digest; the small metadata fields next to it are compared per
//     top-level key so a rename still counts as a change.
//
// A Delta carries the hash of the buffer it was computed against. Patch
// refuses to apply a delta to any other base, which is how a receiver
// detects that it missed an update and needs a full frame.
package diff

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/daviddao/scenemesh/pkg/model"
)

// Strategy is a type's declared diff strategy.
type Strategy string

const (
	Structural Strategy = "structural"
	Binary     Strategy = "binary"
)

// Valid reports whether s is a declared strategy.
func (s Strategy) Valid() bool { return s == Structural || s == Binary }

// Op is the kind of one field change.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpChange Op = "change"
)

// Change is one field-level difference.
type Change struct {
	Path []string `json:"path"`
	Op   Op       `json:"op"`
	Old  any      `json:"old,omitempty"`
	New  any      `json:"new,omitempty"`
}

// Delta is the difference between two buffers.
type Delta struct {
	Strategy    Strategy `json:"strategy"`
	Changes     []Change `json:"changes,omitempty"`
	BlobChanged bool     `json:"blob_changed,omitempty"`
	Blob        []byte   `json:"blob,omitempty"`
	// BaseHash is Hash of the buffer the delta was computed against.
	BaseHash string `json:"base_hash"`
	// Hash is Hash of the buffer the delta produces.
	Hash string `json:"hash"`
}

// Empty reports whether d describes no change.
func (d *Delta) Empty() bool {
	return d == nil || (len(d.Changes) == 0 && !d.BlobChanged)
}

var (
	// ErrBaseMismatch means the receiver's buffer is not the delta's base.
	ErrBaseMismatch = errors.New("delta base mismatch")
	// ErrHashMismatch means a patched buffer does not hash to the sender's.
	ErrHashMismatch = errors.New("patched buffer hash mismatch")
	// ErrUnknownStrategy means a type declared no usable strategy.
	ErrUnknownStrategy = errors.New("unknown diff strategy")
)

// Normalize returns a JSON-normalized deep copy of fields.
func Normalize(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	return out, nil
}

// Compute returns the delta turning old into new, or nil when there is
// nothing to commit.
func Compute(s Strategy, old, new model.Buffer) (*Delta, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("compute delta: %w: %q", ErrUnknownStrategy, s)
	}
	oldFields, err := Normalize(old.Fields)
	if err != nil {
		return nil, err
	}
	newFields, err := Normalize(new.Fields)
	if err != nil {
		return nil, err
	}

	d := &Delta{Strategy: s}
	switch s {
	case Structural:
		compareMaps(nil, oldFields, newFields, &d.Changes, true)
		d.BlobChanged = !bytes.Equal(old.Blob, new.Blob)
	case Binary:
		compareMaps(nil, oldFields, newFields, &d.Changes, false)
		d.BlobChanged = !sameBlob(old.Blob, new.Blob)
	}
	if d.Empty() {
		return nil, nil
	}
	if d.BlobChanged {
		d.Blob = append([]byte(nil), new.Blob...)
	}
	if d.BaseHash, err = Hash(old); err != nil {
		return nil, err
	}
	if d.Hash, err = Hash(new); err != nil {
		return nil, err
	}
	return d, nil
}

// Equal reports whether a and b carry the same state under strategy s.
func Equal(s Strategy, a, b model.Buffer) (bool, error) {
	d, err := Compute(s, a, b)
	if err != nil {
		return false, err
	}
	return d == nil, nil
}

// compareMaps appends the changes from before to after under prefix. When
// deep is false nested maps are compared whole.
func compareMaps(prefix []string, before, after map[string]any, out *[]Change, deep bool) {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		path := append(append([]string(nil), prefix...), k)
		bv, inBefore := before[k]
		av, inAfter := after[k]
		switch {
		case !inBefore:
			*out = append(*out, Change{Path: path, Op: OpAdd, New: av})
		case !inAfter:
			*out = append(*out, Change{Path: path, Op: OpRemove, Old: bv})
		default:
			bm, bIsMap := bv.(map[string]any)
			am, aIsMap := av.(map[string]any)
			if deep && bIsMap && aIsMap {
				compareMaps(path, bm, am, out, deep)
				continue
			}
			if !reflect.DeepEqual(bv, av) {
				*out = append(*out, Change{Path: path, Op: OpChange, Old: bv, New: av})
			}
		}
	}
}

func sameBlob(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return blobDigest(a) == blobDigest(b)
}

// Patch applies d to base and returns the resulting buffer. base is not
// modified.
func Patch(base model.Buffer, d *Delta) (model.Buffer, error) {
	if d.Empty() {
		return base.Clone(), nil
	}
	if d.BaseHash != "" {
		h, err := Hash(base)
		if err != nil {
			return model.Buffer{}, err
		}
		if h != d.BaseHash {
			return model.Buffer{}, fmt.Errorf("patch: have %.12s, delta expects %.12s: %w", h, d.BaseHash, ErrBaseMismatch)
		}
	}

	fields, err := Normalize(base.Fields)
	if err != nil {
		return model.Buffer{}, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	for _, c := range d.Changes {
		if len(c.Path) == 0 {
			continue
		}
		switch c.Op {
		case OpAdd, OpChange:
			setPath(fields, c.Path, c.New)
		case OpRemove:
			deletePath(fields, c.Path)
		default:
			return model.Buffer{}, fmt.Errorf("patch: unknown op %q at %v", c.Op, c.Path)
		}
	}

	out := model.Buffer{Blob: append([]byte(nil), base.Blob...)}
	if len(fields) > 0 {
		out.Fields = fields
	}
	if d.BlobChanged {
		out.Blob = append([]byte(nil), d.Blob...)
	}
	if len(out.Blob) == 0 {
		out.Blob = nil
	}

	if d.Hash != "" {
		h, err := Hash(out)
		if err != nil {
			return model.Buffer{}, err
		}
		if h != d.Hash {
			return model.Buffer{}, fmt.Errorf("patch: %w", ErrHashMismatch)
		}
	}
	return out, nil
}

func setPath(m map[string]any, path []string, v any) {
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[k] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}

func deletePath(m map[string]any, path []string) {
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, path[len(path)-1])
}
