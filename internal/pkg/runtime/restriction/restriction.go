// Package restriction tracks coherence restrictions: region subtrees whose
// fields are pinned to externally attached instances, and the acquisitions
// that temporarily lift those restrictions.
//
// Restrictions and acquisitions interleave: an acquisition opened under a
// restriction may itself carry nested restrictions attached while the fields
// were acquired. The Tracker walks this alternating structure for every
// add, remove and analysis request.
package restriction

import (
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/view"
)

// Op identifies the user operation performing a coherence change,
// it is carried into user-visible errors.
type Op struct {
	// ID is the unique id of the operation.
	ID uint64
	// Task is the name of the task that issued the operation.
	Task string
	// TaskID is the unique id of the issuing task.
	TaskID uint64
}

// Restriction pins the fields of one region subtree to a set of instances.
// Instances hold a resource reference while restricted.
//
// A Restriction is not safe for concurrent use, the owning Tracker
// serializes access.
type Restriction struct {
	node             *tree.Node
	restrictedFields fieldmask.Mask
	instances        map[*view.View]fieldmask.Mask
	acquisitions     []*Acquisition
}

func NewRestriction(node *tree.Node) *Restriction {
	return &Restriction{node: node, instances: map[*view.View]fieldmask.Mask{}}
}

func (r *Restriction) Node() *tree.Node {
	return r.node
}

// RestrictedFields returns the fields currently restricted at this node.
func (r *Restriction) RestrictedFields() fieldmask.Mask {
	return r.restrictedFields.Clone()
}

// AddRestrictedInstance pins the fields to the instance.
func (r *Restriction) AddRestrictedInstance(inst *view.View, fields fieldmask.Mask) {
	r.restrictedFields = r.restrictedFields.Union(fields)
	if held, found := r.instances[inst]; found {
		r.instances[inst] = held.Union(fields)
		return
	}
	inst.AddResourceRef()
	r.instances[inst] = fields.Clone()
}

// FindRestrictions records into info the restricted instances overlapping the
// node for the possibly restricted fields, checking acquisitions first.
// It returns the fields that remain unresolved.
func (r *Restriction) FindRestrictions(node *tree.Node, possiblyRestricted fieldmask.Mask, info *RestrictInfo) fieldmask.Mask {
	if !r.node.IntersectsWith(node) {
		return possiblyRestricted
	}
	for _, acquisition := range r.acquisitions {
		possiblyRestricted = acquisition.FindRestrictions(node, possiblyRestricted, info)
		if possiblyRestricted.IsEmpty() {
			return possiblyRestricted
		}
	}
	restricted := possiblyRestricted.Intersect(r.restrictedFields)
	if restricted.IsEmpty() {
		return possiblyRestricted
	}
	for inst, held := range r.instances {
		overlap := held.Intersect(restricted)
		if overlap.IsEmpty() {
			continue
		}
		info.RecordRestriction(inst, overlap)
	}
	return possiblyRestricted.Subtract(restricted)
}

// Matches consumes the fields of a detach targeting exactly this node.
// It returns the remaining fields together with whether the restriction is
// now empty and must be dropped by the caller. Fields covered by an
// acquisition cannot match.
func (r *Restriction) Matches(node *tree.Node, remaining fieldmask.Mask) (fieldmask.Mask, bool) {
	if r.node != node {
		return remaining, false
	}
	overlap := remaining.Intersect(r.restrictedFields)
	if overlap.IsEmpty() {
		return remaining, false
	}
	for _, acquisition := range r.acquisitions {
		overlap = acquisition.RemoveAcquiredFields(overlap)
		if overlap.IsEmpty() {
			return remaining, false
		}
	}
	remaining = remaining.Subtract(overlap)
	r.restrictedFields = r.restrictedFields.Subtract(overlap)
	if r.restrictedFields.IsEmpty() {
		return remaining, true
	}
	for inst, held := range r.instances {
		held = held.Subtract(overlap)
		if held.IsEmpty() {
			delete(r.instances, inst)
			inst.RemoveResourceRef()
			continue
		}
		r.instances[inst] = held
	}
	return remaining, false
}

// RemoveRestrictedFields subtracts the restricted fields from the mask.
func (r *Restriction) RemoveRestrictedFields(remaining fieldmask.Mask) fieldmask.Mask {
	return remaining.Subtract(r.restrictedFields)
}

// AddAcquisition opens an acquisition for the overlap of the remaining fields
// with this restriction. A target that only partially overlaps the restricted
// subtree without dominating it is a user error.
func (r *Restriction) AddAcquisition(op Op, node *tree.Node, remaining fieldmask.Mask) (fieldmask.Mask, error) {
	overlap := r.restrictedFields.Intersect(remaining)
	if overlap.IsEmpty() {
		return remaining, nil
	}
	if !r.node.Dominates(node) {
		if r.node.IntersectsWith(node) {
			return remaining, newOpError(PartialAcquire, op)
		}
		return remaining, nil
	}
	remaining = remaining.Subtract(overlap)
	for _, acquisition := range r.acquisitions {
		var err error
		overlap, err = acquisition.AddAcquisition(op, node, overlap)
		if err != nil {
			return remaining, err
		}
		if overlap.IsEmpty() {
			return remaining, nil
		}
	}
	r.acquisitions = append(r.acquisitions, NewAcquisition(node, overlap))
	return remaining, nil
}

// RemoveAcquisition closes acquisitions matching a release of the remaining
// fields and returns the fields still unmatched.
func (r *Restriction) RemoveAcquisition(node *tree.Node, remaining fieldmask.Mask) fieldmask.Mask {
	if r.restrictedFields.Disjoint(remaining) {
		return remaining
	}
	if !r.node.IntersectsWith(node) {
		return remaining
	}
	kept := r.acquisitions[:0]
	for n, acquisition := range r.acquisitions {
		var matched bool
		if !remaining.IsEmpty() {
			remaining, matched = acquisition.Matches(node, remaining)
			if matched {
				acquisition.release()
				continue
			}
			remaining = acquisition.RemoveAcquisition(node, remaining)
		}
		kept = append(kept, acquisition)
		if remaining.IsEmpty() {
			kept = append(kept, r.acquisitions[n+1:]...)
			break
		}
	}
	r.acquisitions = kept
	return remaining
}

// AddRestriction pushes an attach under this restriction. The attach must be
// absorbed by an open acquisition, attaching over already restricted fields
// is a user error.
func (r *Restriction) AddRestriction(op Op, node *tree.Node, inst *view.View, remaining fieldmask.Mask) (fieldmask.Mask, error) {
	if r.restrictedFields.Disjoint(remaining) {
		return remaining, nil
	}
	if !r.node.IntersectsWith(node) {
		return remaining, nil
	}
	for _, acquisition := range r.acquisitions {
		var err error
		remaining, err = acquisition.AddRestriction(op, node, inst, remaining)
		if err != nil {
			return remaining, err
		}
		if remaining.IsEmpty() {
			return remaining, nil
		}
	}
	return remaining, newOpError(InterferingRestriction, op)
}

// RemoveRestriction forwards a detach into the acquisitions holding
// nested restrictions.
func (r *Restriction) RemoveRestriction(node *tree.Node, remaining fieldmask.Mask) fieldmask.Mask {
	if r.restrictedFields.Disjoint(remaining) {
		return remaining
	}
	if !r.node.Dominates(node) {
		return remaining
	}
	for _, acquisition := range r.acquisitions {
		remaining = acquisition.RemoveRestriction(node, remaining)
		if remaining.IsEmpty() {
			return remaining
		}
	}
	return remaining
}

// release drops the instance references and the acquisition subtrees.
func (r *Restriction) release() {
	for inst := range r.instances {
		inst.RemoveResourceRef()
	}
	r.instances = map[*view.View]fieldmask.Mask{}
	r.restrictedFields = fieldmask.Mask{}
	for _, acquisition := range r.acquisitions {
		acquisition.release()
	}
	r.acquisitions = nil
}

// Acquisition lifts a restriction for a field subset on a region subtree.
// Restrictions attached while the fields were acquired nest under it.
type Acquisition struct {
	node           *tree.Node
	acquiredFields fieldmask.Mask
	restrictions   []*Restriction
}

func NewAcquisition(node *tree.Node, acquired fieldmask.Mask) *Acquisition {
	return &Acquisition{node: node, acquiredFields: acquired.Clone()}
}

func (a *Acquisition) Node() *tree.Node {
	return a.node
}

// AcquiredFields returns the fields currently acquired at this node.
func (a *Acquisition) AcquiredFields() fieldmask.Mask {
	return a.acquiredFields.Clone()
}

// FindRestrictions resolves possibly restricted fields under this
// acquisition. Acquired fields not restricted below a dominating node
// are free of restrictions.
func (a *Acquisition) FindRestrictions(node *tree.Node, possiblyRestricted fieldmask.Mask, info *RestrictInfo) fieldmask.Mask {
	if a.acquiredFields.Disjoint(possiblyRestricted) {
		return possiblyRestricted
	}
	if !a.node.IntersectsWith(node) {
		return possiblyRestricted
	}
	for _, restriction := range a.restrictions {
		possiblyRestricted = restriction.FindRestrictions(node, possiblyRestricted, info)
		if possiblyRestricted.IsEmpty() {
			return possiblyRestricted
		}
	}
	overlap := a.acquiredFields.Intersect(possiblyRestricted)
	if !overlap.IsEmpty() && a.node.Dominates(node) {
		possiblyRestricted = possiblyRestricted.Subtract(overlap)
	}
	return possiblyRestricted
}

// Matches consumes the fields of a release targeting exactly this node.
// It returns the remaining fields together with whether the acquisition is
// now empty and must be dropped by the caller. Fields restricted below
// cannot match.
func (a *Acquisition) Matches(node *tree.Node, remaining fieldmask.Mask) (fieldmask.Mask, bool) {
	if a.node != node {
		return remaining, false
	}
	overlap := remaining.Intersect(a.acquiredFields)
	if overlap.IsEmpty() {
		return remaining, false
	}
	for _, restriction := range a.restrictions {
		overlap = restriction.RemoveRestrictedFields(overlap)
		if overlap.IsEmpty() {
			return remaining, false
		}
	}
	remaining = remaining.Subtract(overlap)
	a.acquiredFields = a.acquiredFields.Subtract(overlap)
	return remaining, a.acquiredFields.IsEmpty()
}

// RemoveAcquiredFields subtracts the acquired fields from the mask.
func (a *Acquisition) RemoveAcquiredFields(remaining fieldmask.Mask) fieldmask.Mask {
	return remaining.Subtract(a.acquiredFields)
}

// AddAcquisition pushes an acquire under this acquisition. Acquiring fields
// already acquired here and not restricted below is a user error.
func (a *Acquisition) AddAcquisition(op Op, node *tree.Node, remaining fieldmask.Mask) (fieldmask.Mask, error) {
	if a.acquiredFields.Disjoint(remaining) {
		return remaining, nil
	}
	if !a.node.IntersectsWith(node) {
		return remaining, nil
	}
	for _, restriction := range a.restrictions {
		var err error
		remaining, err = restriction.AddAcquisition(op, node, remaining)
		if err != nil {
			return remaining, err
		}
		if remaining.IsEmpty() {
			return remaining, nil
		}
	}
	return remaining, newOpError(InterferingAcquire, op)
}

// RemoveAcquisition forwards a release into the nested restrictions.
func (a *Acquisition) RemoveAcquisition(node *tree.Node, remaining fieldmask.Mask) fieldmask.Mask {
	if a.acquiredFields.Disjoint(remaining) {
		return remaining
	}
	if !a.node.Dominates(node) {
		return remaining
	}
	for _, restriction := range a.restrictions {
		remaining = restriction.RemoveAcquisition(node, remaining)
		if remaining.IsEmpty() {
			return remaining
		}
	}
	return remaining
}

// AddRestriction opens a nested restriction for the overlap of the remaining
// fields with this acquisition. A target that only partially overlaps the
// acquired subtree without dominating it is a user error.
func (a *Acquisition) AddRestriction(op Op, node *tree.Node, inst *view.View, remaining fieldmask.Mask) (fieldmask.Mask, error) {
	overlap := remaining.Intersect(a.acquiredFields)
	if overlap.IsEmpty() {
		return remaining, nil
	}
	if !a.node.Dominates(node) {
		if a.node.IntersectsWith(node) {
			return remaining, newOpError(PartialRestriction, op)
		}
		return remaining, nil
	}
	remaining = remaining.Subtract(overlap)
	for _, restriction := range a.restrictions {
		var err error
		overlap, err = restriction.AddRestriction(op, node, inst, overlap)
		if err != nil {
			return remaining, err
		}
		if overlap.IsEmpty() {
			return remaining, nil
		}
	}
	restriction := NewRestriction(node)
	restriction.AddRestrictedInstance(inst, overlap)
	a.restrictions = append(a.restrictions, restriction)
	return remaining, nil
}

// RemoveRestriction closes nested restrictions matching a detach of the
// remaining fields and returns the fields still unmatched.
func (a *Acquisition) RemoveRestriction(node *tree.Node, remaining fieldmask.Mask) fieldmask.Mask {
	if a.acquiredFields.Disjoint(remaining) {
		return remaining
	}
	if !a.node.IntersectsWith(node) {
		return remaining
	}
	kept := a.restrictions[:0]
	for n, restriction := range a.restrictions {
		var matched bool
		if !remaining.IsEmpty() {
			remaining, matched = restriction.Matches(node, remaining)
			if matched {
				restriction.release()
				continue
			}
			remaining = restriction.RemoveRestriction(node, remaining)
		}
		kept = append(kept, restriction)
		if remaining.IsEmpty() {
			kept = append(kept, a.restrictions[n+1:]...)
			break
		}
	}
	a.restrictions = kept
	return remaining
}

// release drops the nested restriction subtrees.
func (a *Acquisition) release() {
	a.acquiredFields = fieldmask.Mask{}
	for _, restriction := range a.restrictions {
		restriction.release()
	}
	a.restrictions = nil
}
