// Package version implements the versioned metadata containers and their
// field-granular replication protocol, plus the per-context coordinator
// that lazily materializes or fetches the metadata on first use.
//
// A State holds, for one region-tree node at one version, which physical
// instance views are valid per field, which fields are dirty or carry
// pending reductions, and which child versions are open per partition color.
// Exactly one node owns the authoritative copy, every other holder is a
// partial cache that never claims fields it has not received data for.
package version

import (
	"context"
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/refset"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/view"
)

// State is one replica of the versioned metadata container.
type State struct {
	*distobj.Base
	svc       *Service
	contextID uint64
	node      *tree.Node
	version   uint64

	mu            sync.RWMutex
	dirtyMask     fieldmask.Mask
	reductionMask fieldmask.Mask
	// updateFields records which fields this replica has ever received
	// data for. A cache never claims fields outside it.
	updateFields   fieldmask.Mask
	validViews     map[*view.View]fieldmask.Mask
	reductionViews map[*view.View]fieldmask.Mask
	openChildren   map[tree.Color]*refset.Set[*State]
	// Outstanding-request caches, duplicate local requests for overlapping
	// fields reuse the pending completion handle instead of issuing
	// redundant network traffic. Entries are pruned lazily.
	initialEvents map[*event.Handle]fieldmask.Mask
	finalEvents   map[*event.Handle]fieldmask.Mask
}

func newState(svc *Service, id distobj.ID, owner mesh.NodeID, contextID uint64, node *tree.Node, version uint64) *State {
	return &State{
		Base:           distobj.NewBase(id, owner, svc.rt.NodeID(), distobj.Hooks{}),
		svc:            svc,
		contextID:      contextID,
		node:           node,
		version:        version,
		validViews:     make(map[*view.View]fieldmask.Mask),
		reductionViews: make(map[*view.View]fieldmask.Mask),
		openChildren:   make(map[tree.Color]*refset.Set[*State]),
		initialEvents:  make(map[*event.Handle]fieldmask.Mask),
		finalEvents:    make(map[*event.Handle]fieldmask.Mask),
	}
}

// VersionNumber is the version this state describes,
// it decides last-writer-wins conflicts in child reference sets.
func (s *State) VersionNumber() uint64 {
	return s.version
}

// ContextID is the logical context the state belongs to.
func (s *State) ContextID() uint64 {
	return s.contextID
}

// Node is the region-tree node the state describes.
func (s *State) Node() *tree.Node {
	return s.node
}

// Initialize installs an initial valid view on the owner replica,
// marking the fields dirty or reducing according to the usage.
func (s *State) Initialize(v *view.View, usage Usage, mask fieldmask.Mask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if usage.IsReduce() {
		s.insertReductionViewLocked(v, mask)
		s.reductionMask = s.reductionMask.Union(mask)
	} else {
		s.insertValidViewLocked(v, mask)
		if usage.IsWrite() {
			s.dirtyMask = s.dirtyMask.Union(mask)
		}
	}
	s.updateFields = s.updateFields.Union(mask)
}

// PhysicalState is the unlocked scratch form of a state's tables,
// the unit of capture and merge between a replica and incoming data.
type PhysicalState struct {
	Dirty      fieldmask.Mask
	Reduction  fieldmask.Mask
	Valid      map[*view.View]fieldmask.Mask
	Reductions map[*view.View]fieldmask.Mask
	Children   map[tree.Color]*refset.Set[*State]
}

func NewPhysicalState() *PhysicalState {
	return &PhysicalState{
		Valid:      make(map[*view.View]fieldmask.Mask),
		Reductions: make(map[*view.View]fieldmask.Mask),
		Children:   make(map[tree.Color]*refset.Set[*State]),
	}
}

// AddChild records a child version into the scratch state.
// Scratch children are untracked, the merge takes the references.
func (p *PhysicalState) AddChild(color tree.Color, child *State, mask fieldmask.Mask) {
	set, found := p.Children[color]
	if !found {
		set = refset.NewUntracked[*State]()
		p.Children[color] = set
	}
	set.Insert(child, mask)
}

// MergePhysicalState merges the scratch state into the replica for the fields
// of the merge mask and extends the update fields. A view observed for the
// first time takes a fresh validity reference, repeated application with the
// same input is a no-op beyond that. A replica that held no data at all takes
// the entries in place without per-entry resolution. A cache acquiring data
// for the very first time notifies the owner after the lock is released.
func (s *State) MergePhysicalState(ctx context.Context, incoming *PhysicalState, mask fieldmask.Mask) error {
	s.mu.Lock()
	if s.emptyLocked() {
		s.assignLocked(incoming, mask)
	} else if err := s.mergeLocked(incoming, mask); err != nil {
		s.mu.Unlock()
		return err
	}
	notify := s.extendUpdateFieldsLocked(mask)
	s.mu.Unlock()
	if notify {
		return s.svc.sendValidNotification(ctx, s)
	}
	return nil
}

// extendUpdateFieldsLocked records received fields and reports whether this
// cache acquired data for the very first time.
func (s *State) extendUpdateFieldsLocked(mask fieldmask.Mask) bool {
	notify := !s.IsOwner() && s.updateFields.IsEmpty() && !mask.IsEmpty()
	s.updateFields = s.updateFields.Union(mask)
	return notify
}

func (s *State) mergeLocked(incoming *PhysicalState, mask fieldmask.Mask) error {
	s.dirtyMask = s.dirtyMask.Union(incoming.Dirty.Intersect(mask))
	s.reductionMask = s.reductionMask.Union(incoming.Reduction.Intersect(mask))
	for v, viewMask := range incoming.Valid {
		if overlap := viewMask.Intersect(mask); !overlap.IsEmpty() {
			s.insertValidViewLocked(v, overlap)
		}
	}
	for v, viewMask := range incoming.Reductions {
		if overlap := viewMask.Intersect(mask); !overlap.IsEmpty() {
			s.insertReductionViewLocked(v, overlap)
		}
	}
	for color, set := range incoming.Children {
		if err := s.reduceOpenChildrenLocked(color, mask, set); err != nil {
			return err
		}
	}
	return nil
}

// assignLocked installs the incoming tables into a replica that held no data
// at all, the in-place counterpart of mergeLocked without per-entry resolution.
func (s *State) assignLocked(incoming *PhysicalState, mask fieldmask.Mask) {
	s.dirtyMask = incoming.Dirty.Intersect(mask)
	s.reductionMask = incoming.Reduction.Intersect(mask)
	for v, viewMask := range incoming.Valid {
		if overlap := viewMask.Intersect(mask); !overlap.IsEmpty() {
			v.AddValidRef()
			s.validViews[v] = overlap
		}
	}
	for v, viewMask := range incoming.Reductions {
		if overlap := viewMask.Intersect(mask); !overlap.IsEmpty() {
			v.AddValidRef()
			s.reductionViews[v] = overlap
		}
	}
	for color, set := range incoming.Children {
		local := refset.New[*State]()
		set.Each(func(child *State, childMask fieldmask.Mask) bool {
			if overlap := childMask.Intersect(mask); !overlap.IsEmpty() {
				local.Insert(child, overlap)
			}
			return true
		})
		if !local.Empty() {
			s.openChildren[color] = local
		}
	}
}

func (s *State) insertValidViewLocked(v *view.View, mask fieldmask.Mask) {
	if held, found := s.validViews[v]; found {
		s.validViews[v] = held.Union(mask)
	} else {
		v.AddValidRef()
		s.validViews[v] = mask.Clone()
	}
}

func (s *State) insertReductionViewLocked(v *view.View, mask fieldmask.Mask) {
	if held, found := s.reductionViews[v]; found {
		s.reductionViews[v] = held.Union(mask)
	} else {
		v.AddValidRef()
		s.reductionViews[v] = mask.Clone()
	}
}

// ReduceOpenChildren merges incoming child versions of one partition color
// into the open-children table, resolving field conflicts by version number.
// With localUpdate the fields count as locally produced data: the update
// fields are extended and a cache with no prior data notifies the owner.
func (s *State) ReduceOpenChildren(ctx context.Context, color tree.Color, mask fieldmask.Mask, incoming *refset.Set[*State], localUpdate bool) error {
	s.mu.Lock()
	if err := s.reduceOpenChildrenLocked(color, mask, incoming); err != nil {
		s.mu.Unlock()
		return err
	}
	notify := false
	if localUpdate {
		notify = s.extendUpdateFieldsLocked(mask)
	}
	s.mu.Unlock()
	if notify {
		return s.svc.sendValidNotification(ctx, s)
	}
	return nil
}

func (s *State) reduceOpenChildrenLocked(color tree.Color, mask fieldmask.Mask, incoming *refset.Set[*State]) error {
	local, found := s.openChildren[color]
	if !found || local.ValidMask().Disjoint(mask) {
		// Nothing to resolve against, take the entries as they are.
		if !found {
			local = refset.New[*State]()
			s.openChildren[color] = local
		}
		incoming.Each(func(child *State, childMask fieldmask.Mask) bool {
			if overlap := childMask.Intersect(mask); !overlap.IsEmpty() {
				local.Insert(child, overlap)
			}
			return true
		})
		return nil
	}
	return local.Reduce(mask, incoming)
}

// CaptureRecorder receives the entries of a state capture.
type CaptureRecorder interface {
	RecordDirtyFields(mask fieldmask.Mask)
	RecordReductionFields(mask fieldmask.Mask)
	RecordValidView(v *view.View, mask fieldmask.Mask)
	RecordReductionView(v *view.View, mask fieldmask.Mask)
	RecordChildVersion(color tree.Color, child *State, mask fieldmask.Mask)
}

// Capture exports every table entry overlapping the capture mask into the
// recorder. The state is read-locked for the duration, the recorder must
// not call back into it.
func (s *State) Capture(mask fieldmask.Mask, recorder CaptureRecorder) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if overlap := s.dirtyMask.Intersect(mask); !overlap.IsEmpty() {
		recorder.RecordDirtyFields(overlap)
	}
	if overlap := s.reductionMask.Intersect(mask); !overlap.IsEmpty() {
		recorder.RecordReductionFields(overlap)
	}
	for v, viewMask := range s.validViews {
		if overlap := viewMask.Intersect(mask); !overlap.IsEmpty() {
			recorder.RecordValidView(v, overlap)
		}
	}
	for v, viewMask := range s.reductionViews {
		if overlap := viewMask.Intersect(mask); !overlap.IsEmpty() {
			recorder.RecordReductionView(v, overlap)
		}
	}
	for color, set := range s.openChildren {
		set.Each(func(child *State, childMask fieldmask.Mask) bool {
			if overlap := childMask.Intersect(mask); !overlap.IsEmpty() {
				recorder.RecordChildVersion(color, child, overlap)
			}
			return true
		})
	}
}

// UpdatePhysicalState captures the tables overlapping the mask into the
// scratch state, the inverse direction of MergePhysicalState.
func (s *State) UpdatePhysicalState(out *PhysicalState, mask fieldmask.Mask) {
	s.Capture(mask, (*physicalStateRecorder)(out))
}

type physicalStateRecorder PhysicalState

func (p *physicalStateRecorder) RecordDirtyFields(mask fieldmask.Mask) {
	p.Dirty = p.Dirty.Union(mask)
}

func (p *physicalStateRecorder) RecordReductionFields(mask fieldmask.Mask) {
	p.Reduction = p.Reduction.Union(mask)
}

func (p *physicalStateRecorder) RecordValidView(v *view.View, mask fieldmask.Mask) {
	p.Valid[v] = p.Valid[v].Union(mask)
}

func (p *physicalStateRecorder) RecordReductionView(v *view.View, mask fieldmask.Mask) {
	p.Reductions[v] = p.Reductions[v].Union(mask)
}

func (p *physicalStateRecorder) RecordChildVersion(color tree.Color, child *State, mask fieldmask.Mask) {
	(*PhysicalState)(p).AddChild(color, child, mask)
}

func (s *State) DirtyMask() fieldmask.Mask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirtyMask.Clone()
}

func (s *State) ReductionMask() fieldmask.Mask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reductionMask.Clone()
}

// UpdateFields reports which fields this replica has received data for.
func (s *State) UpdateFields() fieldmask.Mask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updateFields.Clone()
}

// ValidViewMask returns the fields the view is valid for on this replica.
func (s *State) ValidViewMask(v *view.View) (fieldmask.Mask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mask, found := s.validViews[v]
	return mask.Clone(), found
}

// ReductionViewMask returns the fields of pending reductions of the view.
func (s *State) ReductionViewMask(v *view.View) (fieldmask.Mask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mask, found := s.reductionViews[v]
	return mask.Clone(), found
}

// ChildVersionMask returns the fields for which the child version is open.
func (s *State) ChildVersionMask(color tree.Color, id distobj.ID) (fieldmask.Mask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, found := s.openChildren[color]
	if !found {
		return fieldmask.Mask{}, false
	}
	return set.Get(id)
}

// emptyLocked reports whether the replica holds no data at all,
// the condition for the in-place merge fast path.
func (s *State) emptyLocked() bool {
	return s.dirtyMask.IsEmpty() && s.reductionMask.IsEmpty() &&
		len(s.validViews) == 0 && len(s.reductionViews) == 0 && len(s.openChildren) == 0
}
