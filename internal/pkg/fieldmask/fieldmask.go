// Package fieldmask provides a fixed-universe bitset over the fields of a region schema.
// The mask is the unit of partial ownership and replication in the versioning layer.
//
// All operations are value semantics, a mask is never mutated in place,
// so masks can be shared between goroutines without locking.
package fieldmask

import (
	"github.com/bits-and-blooms/bitset"
)

// Mask selects a subset of fields. The zero value is an empty mask.
type Mask struct {
	bits *bitset.BitSet
}

// New creates an empty mask over a universe of the given size.
func New(universe uint) Mask {
	return Mask{bits: bitset.New(universe)}
}

// Full creates a mask with every field of the universe set.
func Full(universe uint) Mask {
	b := bitset.New(universe)
	b.FlipRange(0, universe)
	return Mask{bits: b}
}

// Of creates a mask with the given fields set.
func Of(universe uint, fields ...uint) Mask {
	b := bitset.New(universe)
	for _, f := range fields {
		b.Set(f)
	}
	return Mask{bits: b}
}

func (m Mask) IsEmpty() bool {
	return m.bits == nil || m.bits.None()
}

func (m Mask) Count() uint {
	if m.bits == nil {
		return 0
	}
	return m.bits.Count()
}

func (m Mask) Has(field uint) bool {
	return m.bits != nil && m.bits.Test(field)
}

func (m Mask) Equal(other Mask) bool {
	switch {
	case m.bits == nil:
		return other.IsEmpty()
	case other.bits == nil:
		return m.IsEmpty()
	default:
		return m.bits.Equal(other.bits)
	}
}

// Union returns m | other.
func (m Mask) Union(other Mask) Mask {
	switch {
	case m.bits == nil:
		return other.Clone()
	case other.bits == nil:
		return m.Clone()
	default:
		return Mask{bits: m.bits.Union(other.bits)}
	}
}

// Intersect returns m & other.
func (m Mask) Intersect(other Mask) Mask {
	if m.bits == nil || other.bits == nil {
		return Mask{}
	}
	return Mask{bits: m.bits.Intersection(other.bits)}
}

// Subtract returns m &^ other.
func (m Mask) Subtract(other Mask) Mask {
	if m.bits == nil || other.bits == nil {
		return m.Clone()
	}
	return Mask{bits: m.bits.Difference(other.bits)}
}

// Overlaps reports whether the masks have a common field.
func (m Mask) Overlaps(other Mask) bool {
	if m.bits == nil || other.bits == nil {
		return false
	}
	return m.bits.IntersectionCardinality(other.bits) > 0
}

// Disjoint is the negation of Overlaps.
func (m Mask) Disjoint(other Mask) bool {
	return !m.Overlaps(other)
}

// Contains reports whether every field of other is also in m.
func (m Mask) Contains(other Mask) bool {
	return other.Subtract(m).IsEmpty()
}

func (m Mask) Clone() Mask {
	if m.bits == nil {
		return Mask{}
	}
	return Mask{bits: m.bits.Clone()}
}

// Fields returns the set fields in ascending order.
func (m Mask) Fields() []uint {
	if m.bits == nil {
		return nil
	}
	out := make([]uint, 0, m.bits.Count())
	for i, ok := m.bits.NextSet(0); ok; i, ok = m.bits.NextSet(i + 1) {
		out = append(out, i)
	}
	return out
}

func (m Mask) String() string {
	if m.bits == nil {
		return "{}"
	}
	return m.bits.String()
}

// MarshalJSON encodes the mask for the wire, an empty mask is encoded as null.
func (m Mask) MarshalJSON() ([]byte, error) {
	if m.bits == nil {
		return []byte("null"), nil
	}
	return m.bits.MarshalJSON()
}

func (m *Mask) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		m.bits = nil
		return nil
	}
	b := &bitset.BitSet{}
	if err := b.UnmarshalJSON(data); err != nil {
		return err
	}
	m.bits = b
	return nil
}
