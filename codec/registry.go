// Package codec implements the tagged codec registry: a per-profile,
// thread-safe mapping of class tag to a user-supplied serialize/
// deserialize pair, applied as out-of-band extension-table entries
// alongside a Task's main payload.
//
// The registry never walks a task's value graph itself — callers locate
// opaque placeholders in their own payload encoding and call Encode/
// Decode only for the references they find. This mirrors the source
// pattern of "serialize via hook, deserialize via inverse hook, both
// user-supplied per class."
package codec

import (
	"fmt"
	"sync"

	"github.com/estuary/taskmesh/task"
)

// SerializeFunc turns a concrete object into bytes. When the codec is
// vectorized, it's called once with all occurrences of the class
// collected from the task, in encounter order, and must return one blob
// per input object in the same order.
type SerializeFunc func(objs []any) ([][]byte, error)

// DeserializeFunc is SerializeFunc's inverse.
type DeserializeFunc func(blobs [][]byte) ([]any, error)

// Entry is one registered codec.
type Entry struct {
	ClassTag   string
	Serialize  SerializeFunc
	Deserialize DeserializeFunc
	Vectorized bool
}

// Registry is a thread-safe {class_tag -> Entry} map. It's safe for
// concurrent Register and lookups; lookups dominate, so it's guarded by
// an RWMutex rather than a plain Mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	// dirty is set on every Register call and cleared by PullDirty.
	// It drives "push registrations to all live daemons on next submit"
	// without a separate control-plane round trip (see
	// pushCodecManifestIfDirty in package profile).
	dirty bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds or replaces the codec for classTag.
func (r *Registry) Register(classTag string, serialize SerializeFunc, deserialize DeserializeFunc, vectorized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[classTag] = Entry{
		ClassTag:    classTag,
		Serialize:   serialize,
		Deserialize: deserialize,
		Vectorized:  vectorized,
	}
	r.dirty = true
}

// Lookup returns the Entry registered for classTag, if any.
func (r *Registry) Lookup(classTag string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[classTag]
	return e, ok
}

// Snapshot returns every registered Entry, for pushing to a newly
// connected or reconnecting daemon as part of sticky setup.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out = make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// PullDirty reports whether any Register call has happened since the
// last PullDirty, clearing the flag. The host uses this to decide
// whether a submission needs to carry a fresh codec manifest.
func (r *Registry) PullDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var was = r.dirty
	r.dirty = false
	return was
}

// Occurrence pairs an opaque object with its class tag. Its position in
// the slice passed to Encode is its placeholder index.
type Occurrence struct {
	ClassTag string
	Object   any
}

// Encode runs every occurrence through its registered codec, grouping
// vectorized classes into a single Serialize call, and returns the
// resulting extension-table entries alongside a parallel slice of
// placeholder index -> extension-table index so the caller can splice
// placeholders into its own payload stream. Non-vectorized entries come
// first, in occurrence order; each vectorized class's entries follow as
// one contiguous group, classes in first-seen order.
func (r *Registry) Encode(occurrences []Occurrence) ([]task.ExtEntry, []int, error) {
	var out []task.ExtEntry
	var placeholderIdx = make([]int, len(occurrences))

	// Group vectorized occurrences by class tag, preserving first-seen order.
	var vecGroups = make(map[string][]int) // classTag -> occurrence indices
	var vecOrder []string

	for i, occ := range occurrences {
		entry, ok := r.Lookup(occ.ClassTag)
		if !ok {
			return nil, nil, fmt.Errorf("codec: no codec registered for class %q", occ.ClassTag)
		}
		if !entry.Vectorized {
			blobs, err := entry.Serialize([]any{occ.Object})
			if err != nil {
				return nil, nil, fmt.Errorf("codec: serializing %q: %w", occ.ClassTag, err)
			}
			if len(blobs) != 1 {
				return nil, nil, fmt.Errorf("codec: %q serializer returned %d blobs for 1 object", occ.ClassTag, len(blobs))
			}
			placeholderIdx[i] = len(out)
			out = append(out, task.ExtEntry{ClassTag: occ.ClassTag, Blob: blobs[0]})
			continue
		}
		if _, seen := vecGroups[occ.ClassTag]; !seen {
			vecOrder = append(vecOrder, occ.ClassTag)
		}
		vecGroups[occ.ClassTag] = append(vecGroups[occ.ClassTag], i)
	}

	for _, classTag := range vecOrder {
		entry, _ := r.Lookup(classTag)
		var idxs = vecGroups[classTag]
		var objs = make([]any, len(idxs))
		for j, i := range idxs {
			objs[j] = occurrences[i].Object
		}
		blobs, err := entry.Serialize(objs)
		if err != nil {
			return nil, nil, fmt.Errorf("codec: vectorized serializing %q: %w", classTag, err)
		}
		if len(blobs) != len(idxs) {
			return nil, nil, fmt.Errorf("codec: %q vectorized serializer returned %d blobs for %d objects", classTag, len(blobs), len(idxs))
		}
		for j, i := range idxs {
			placeholderIdx[i] = len(out)
			out = append(out, task.ExtEntry{ClassTag: classTag, Blob: blobs[j]})
		}
	}

	return out, placeholderIdx, nil
}

// Decode is Encode's inverse: given the extension table received on the
// wire, it groups entries by class tag, invokes each Deserialize once
// per vectorized class (or once per entry otherwise), and returns the
// reconstructed objects indexed the same way the extension table was.
func (r *Registry) Decode(ext []task.ExtEntry) ([]any, error) {
	var out = make([]any, len(ext))

	var vecGroups = make(map[string][]int)
	var vecOrder []string

	for i, e := range ext {
		entry, ok := r.Lookup(e.ClassTag)
		if !ok {
			return nil, fmt.Errorf("codec: no codec registered for class %q", e.ClassTag)
		}
		if !entry.Vectorized {
			objs, err := entry.Deserialize([][]byte{e.Blob})
			if err != nil {
				return nil, fmt.Errorf("codec: deserializing %q: %w", e.ClassTag, err)
			}
			if len(objs) != 1 {
				return nil, fmt.Errorf("codec: %q deserializer returned %d objects for 1 blob", e.ClassTag, len(objs))
			}
			out[i] = objs[0]
			continue
		}
		if _, seen := vecGroups[e.ClassTag]; !seen {
			vecOrder = append(vecOrder, e.ClassTag)
		}
		vecGroups[e.ClassTag] = append(vecGroups[e.ClassTag], i)
	}

	for _, classTag := range vecOrder {
		entry, _ := r.Lookup(classTag)
		var idxs = vecGroups[classTag]
		var blobs = make([][]byte, len(idxs))
		for j, i := range idxs {
			blobs[j] = ext[i].Blob
		}
		objs, err := entry.Deserialize(blobs)
		if err != nil {
			return nil, fmt.Errorf("codec: vectorized deserializing %q: %w", classTag, err)
		}
		if len(objs) != len(idxs) {
			return nil, fmt.Errorf("codec: %q vectorized deserializer returned %d objects for %d blobs", classTag, len(objs), len(idxs))
		}
		for j, i := range idxs {
			out[i] = objs[j]
		}
	}

	return out, nil
}
