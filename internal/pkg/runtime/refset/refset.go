// Package refset provides a field-mask-indexed reference set.
//
// The set maps referenced objects to the field mask for which they are
// authoritative. Membership holds a validity reference on the object.
// The single-entry case is stored inline, a map is only allocated once
// a second entry appears and is released again when the set collapses
// back to one entry.
package refset

import (
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Referent is an object that can be held by a Set.
type Referent interface {
	distobj.Object
	VersionNumber() uint64
	AddValidRef()
	RemoveValidRef() bool
}

type entry[T Referent] struct {
	obj  T
	mask fieldmask.Mask
}

// Set is the field-mask-indexed reference set.
// It is not safe for concurrent use, callers guard it with their own lock.
type Set[T Referent] struct {
	trackRefs bool
	hasSingle bool
	single    entry[T]
	multi     map[distobj.ID]entry[T]
	validMask fieldmask.Mask
}

// New creates a set that takes a validity reference on each inserted object.
func New[T Referent]() *Set[T] {
	return &Set[T]{trackRefs: true}
}

// NewUntracked creates a set that does not reference-count its members.
// Used for transient sets whose members are kept alive by another holder.
func NewUntracked[T Referent]() *Set[T] {
	return &Set[T]{trackRefs: false}
}

func (s *Set[T]) Empty() bool {
	return !s.hasSingle && len(s.multi) == 0
}

func (s *Set[T]) Len() int {
	if s.multi != nil {
		return len(s.multi)
	}
	if s.hasSingle {
		return 1
	}
	return 0
}

// ValidMask is the union of all entry masks.
func (s *Set[T]) ValidMask() fieldmask.Mask {
	return s.validMask
}

// Inlined reports whether the set is in its inline, map-free representation.
func (s *Set[T]) Inlined() bool {
	return s.multi == nil
}

// Get returns the mask held for the object, if present.
func (s *Set[T]) Get(id distobj.ID) (fieldmask.Mask, bool) {
	if s.multi != nil {
		e, found := s.multi[id]
		return e.mask, found
	}
	if s.hasSingle && s.single.obj.DistID() == id {
		return s.single.mask, true
	}
	return fieldmask.Mask{}, false
}

// Insert unions the mask into the object's entry, creating the entry if the
// object is new. Reports whether a new entry was created. A newly created
// entry takes a validity reference on the object.
func (s *Set[T]) Insert(obj T, mask fieldmask.Mask) bool {
	inserted := false
	switch {
	case s.Empty():
		s.single = entry[T]{obj: obj, mask: mask.Clone()}
		s.hasSingle = true
		inserted = true
	case s.multi == nil:
		if s.single.obj.DistID() == obj.DistID() {
			s.single.mask = s.single.mask.Union(mask)
		} else {
			s.multi = map[distobj.ID]entry[T]{
				s.single.obj.DistID(): s.single,
				obj.DistID():          {obj: obj, mask: mask.Clone()},
			}
			s.single = entry[T]{}
			s.hasSingle = false
			inserted = true
		}
	default:
		if e, found := s.multi[obj.DistID()]; found {
			e.mask = e.mask.Union(mask)
			s.multi[obj.DistID()] = e
		} else {
			s.multi[obj.DistID()] = entry[T]{obj: obj, mask: mask.Clone()}
			inserted = true
		}
	}
	if inserted && s.trackRefs {
		obj.AddValidRef()
	}
	s.validMask = s.validMask.Union(mask)
	return inserted
}

// Erase removes the object's entry and drops its validity reference.
// A set left with a single entry collapses back to the inline representation.
func (s *Set[T]) Erase(obj T) {
	if s.multi == nil {
		if !s.hasSingle || s.single.obj.DistID() != obj.DistID() {
			panic(errors.Errorf(`reference set does not contain object "%s"`, obj.DistID()))
		}
		s.single = entry[T]{}
		s.hasSingle = false
		s.validMask = fieldmask.Mask{}
	} else {
		e, found := s.multi[obj.DistID()]
		if !found {
			panic(errors.Errorf(`reference set does not contain object "%s"`, obj.DistID()))
		}
		s.validMask = s.validMask.Subtract(e.mask)
		delete(s.multi, obj.DistID())
		if len(s.multi) == 1 {
			for _, last := range s.multi {
				s.single = last
				s.hasSingle = true
			}
			s.multi = nil
			s.validMask = s.single.mask.Clone()
		}
	}
	if s.trackRefs {
		obj.RemoveValidRef()
	}
}

// Clear removes all entries, dropping the validity references.
func (s *Set[T]) Clear() {
	if s.trackRefs {
		s.Each(func(obj T, _ fieldmask.Mask) bool {
			obj.RemoveValidRef()
			return true
		})
	}
	s.single = entry[T]{}
	s.hasSingle = false
	s.multi = nil
	s.validMask = fieldmask.Mask{}
}

// Each calls fn for every entry until fn returns false.
// fn must not mutate the set.
func (s *Set[T]) Each(fn func(obj T, mask fieldmask.Mask) bool) {
	if s.multi != nil {
		for _, e := range s.multi {
			if !fn(e.obj, e.mask) {
				return
			}
		}
	} else if s.hasSingle {
		fn(s.single.obj, s.single.mask)
	}
}

func (s *Set[T]) snapshot() []entry[T] {
	out := make([]entry[T], 0, s.Len())
	s.Each(func(obj T, mask fieldmask.Mask) bool {
		out = append(out, entry[T]{obj: obj, mask: mask})
		return true
	})
	return out
}

// Reduce merges the incoming set into this one for the fields selected by
// mergeMask, resolving conflicts by version number: the entry with the higher
// version keeps the contested fields. Equal version numbers with different
// identity mean two replicas produced conflicting data for the same version,
// which is an unrecoverable integrity error. Merged fields are consumed from
// the incoming set so that after a full reduce it no longer claims them.
func (s *Set[T]) Reduce(mergeMask fieldmask.Mask, incoming *Set[T]) error {
	for _, in := range incoming.snapshot() {
		overlap := mergeMask.Intersect(in.mask)
		if overlap.IsEmpty() {
			continue
		}
		// These fields are handled here, consume them from the incoming set.
		remaining := in.mask.Subtract(overlap)
		if remaining.IsEmpty() {
			incoming.Erase(in.obj)
		} else {
			incoming.subtractFields(in.obj, overlap)
		}
		var toErase []T
		toAdd := fieldmask.Mask{}
		for _, local := range s.snapshot() {
			localOverlap := local.mask.Intersect(overlap)
			if localOverlap.IsEmpty() {
				continue
			}
			switch {
			case local.obj.VersionNumber() < in.obj.VersionNumber():
				// The incoming entry is newer, it wins the contested fields.
				toAdd = toAdd.Union(localOverlap)
				s.subtractFields(local.obj, localOverlap)
				if mask, _ := s.Get(local.obj.DistID()); mask.IsEmpty() {
					toErase = append(toErase, local.obj)
				}
			case local.obj.VersionNumber() == in.obj.VersionNumber():
				if local.obj.DistID() != in.obj.DistID() {
					return errors.NewInvariantError(
						`conflicting objects "%s" and "%s" claim fields %s at version %d`,
						local.obj.DistID(), in.obj.DistID(), localOverlap.String(), in.obj.VersionNumber(),
					)
				}
				// Duplicate observation of the same object, keep the local entry.
			}
			// A newer local entry keeps the fields and the incoming ones are dropped.
			overlap = overlap.Subtract(localOverlap)
			if overlap.IsEmpty() {
				break
			}
		}
		for _, obj := range toErase {
			s.Erase(obj)
		}
		// Uncontested fields and won fields both land in this set.
		if !overlap.IsEmpty() {
			toAdd = toAdd.Union(overlap)
		}
		if !toAdd.IsEmpty() {
			s.Insert(in.obj, toAdd)
		}
	}
	return nil
}

// subtractFields removes fields from an existing entry without touching
// its validity reference, the entry may become empty-masked.
func (s *Set[T]) subtractFields(obj T, fields fieldmask.Mask) {
	if s.multi == nil {
		s.single.mask = s.single.mask.Subtract(fields)
	} else {
		e := s.multi[obj.DistID()]
		e.mask = e.mask.Subtract(fields)
		s.multi[obj.DistID()] = e
	}
	s.recomputeValidMask()
}

func (s *Set[T]) recomputeValidMask() {
	mask := fieldmask.Mask{}
	s.Each(func(_ T, m fieldmask.Mask) bool {
		mask = mask.Union(m)
		return true
	})
	s.validMask = mask
}

// SanityCheck verifies that no field is claimed by two entries.
func (s *Set[T]) SanityCheck() error {
	seen := fieldmask.Mask{}
	err := error(nil)
	s.Each(func(obj T, mask fieldmask.Mask) bool {
		if seen.Overlaps(mask) {
			err = errors.NewInvariantError(
				`fields %s of object "%s" are already claimed by another entry`,
				seen.Intersect(mask).String(), obj.DistID(),
			)
			return false
		}
		seen = seen.Union(mask)
		return true
	})
	return err
}
