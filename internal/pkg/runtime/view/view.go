// Package view models physical-instance views, the objects the versioning
// layer hands back to consumers once a field-validity query resolves.
//
// The layer never touches instance memory, a view is only an identity with
// ownership bookkeeping, the consumer waits on the returned readiness handle
// before using the underlying instance.
package view

import (
	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
)

// Kind distinguishes how a view materializes its fields.
type Kind string

const (
	// Materialized views are backed by a concrete physical instance.
	Materialized Kind = "materialized"
	// Deferred views describe data by composition instead of layout.
	Deferred Kind = "deferred"
	// Reduction views hold pending reduction values for a reduction operator.
	Reduction Kind = "reduction"
)

// View is a distributed physical-instance view.
type View struct {
	*distobj.Base
	kind  Kind
	redop uint64
}

func New(id distobj.ID, owner, local mesh.NodeID, kind Kind) *View {
	return &View{Base: distobj.NewBase(id, owner, local, distobj.Hooks{}), kind: kind}
}

// NewReduction creates a reduction view bound to a reduction operator.
func NewReduction(id distobj.ID, owner, local mesh.NodeID, redop uint64) *View {
	v := New(id, owner, local, Reduction)
	v.redop = redop
	return v
}

func (v *View) Kind() Kind {
	return v.kind
}

func (v *View) IsReduction() bool {
	return v.kind == Reduction
}

// ReductionOp is the reduction operator id, zero for non-reduction views.
func (v *View) ReductionOp() uint64 {
	return v.redop
}

// InstanceRef points a consumer at a view valid for a field subset.
// The consumer must wait on Ready before touching the instance,
// a nil Ready means the instance is usable immediately.
type InstanceRef struct {
	View  *View
	Mask  fieldmask.Mask
	Ready *event.Handle
}

// InstanceSet collects the instance references answering one validity query.
// The zero value is ready to use.
type InstanceSet struct {
	refs []InstanceRef
}

// Add appends a reference. References for the same view are kept separate,
// each carries its own readiness handle.
func (s *InstanceSet) Add(ref InstanceRef) {
	s.refs = append(s.refs, ref)
}

func (s *InstanceSet) Len() int {
	return len(s.refs)
}

func (s *InstanceSet) Empty() bool {
	return len(s.refs) == 0
}

// Refs returns the collected references, the slice is owned by the set.
func (s *InstanceSet) Refs() []InstanceRef {
	return s.refs
}

// CoveredMask is the union of all reference masks.
func (s *InstanceSet) CoveredMask() fieldmask.Mask {
	mask := fieldmask.Mask{}
	for _, ref := range s.refs {
		mask = mask.Union(ref.Mask)
	}
	return mask
}

// ReadyHandle merges the readiness handles of all references,
// nil when every reference is already usable.
func (s *InstanceSet) ReadyHandle() *event.Handle {
	handles := make([]*event.Handle, 0, len(s.refs))
	for _, ref := range s.refs {
		handles = append(handles, ref.Ready)
	}
	return event.Merge(handles...)
}

func (s *InstanceSet) Clear() {
	s.refs = nil
}
