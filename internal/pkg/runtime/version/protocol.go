package version

import (
	"context"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh/transport"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/refset"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// RequestInitial makes the fields needed before any write of this version
// locally resident. Completion handles for fields still in flight are
// collected into ready, fields already received add nothing.
func (s *State) RequestInitial(ctx context.Context, mask fieldmask.Mask, ready *event.Set) error {
	return s.request(ctx, InitialRequest, mask, ready)
}

// RequestFinal makes the fields after the version is fully written resident.
func (s *State) RequestFinal(ctx context.Context, mask fieldmask.Mask, ready *event.Set) error {
	return s.request(ctx, FinalRequest, mask, ready)
}

// RequestChildren makes the recursive per-child version table resident.
// Child requests are not deduplicated, the child table can change under
// an outstanding answer.
func (s *State) RequestChildren(ctx context.Context, mask fieldmask.Mask, ready *event.Set) error {
	return s.request(ctx, ChildrenRequest, mask, ready)
}

func (s *State) request(ctx context.Context, kind RequestKind, mask fieldmask.Mask, ready *event.Set) error {
	type send struct {
		target   mesh.NodeID
		handleID event.ID
	}
	var sends []send
	var needed fieldmask.Mask

	s.mu.Lock()
	needed = mask.Subtract(s.updateFields)
	if needed.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	if cache := s.requestCacheLocked(kind); cache != nil {
		for handle, pendingMask := range cache {
			if handle.HasTriggered() {
				delete(cache, handle)
				continue
			}
			overlap := pendingMask.Intersect(needed)
			if overlap.IsEmpty() {
				continue
			}
			ready.Insert(handle)
			needed = needed.Subtract(overlap)
			if needed.IsEmpty() {
				s.mu.Unlock()
				return nil
			}
		}
	}

	// The owner pulls from every known remote holder, a cache asks the owner.
	var targets []mesh.NodeID
	if s.IsOwner() {
		targets = s.RemoteInstances()
	} else {
		targets = []mesh.NodeID{s.OwnerNode()}
	}
	if len(targets) == 0 {
		s.mu.Unlock()
		return nil
	}

	handles := make([]*event.Handle, 0, len(targets))
	for _, target := range targets {
		handle := event.NewHandle()
		handles = append(handles, handle)
		sends = append(sends, send{target: target, handleID: s.svc.rt.Events().Register(handle)})
	}
	merged := event.Merge(handles...)
	ready.Insert(merged)
	if cache := s.requestCacheLocked(kind); cache != nil {
		cache[merged] = needed
	}
	s.mu.Unlock()

	for _, out := range sends {
		message := updateRequest{
			ID:         s.DistID(),
			ContextID:  s.contextID,
			Kind:       kind,
			Mask:       needed,
			Requester:  s.LocalNode(),
			HandleNode: s.LocalNode(),
			HandleID:   out.handleID,
		}
		if err := s.svc.rt.Endpoint().Send(ctx, out.target, transport.KindVersionStateUpdateRequest, message); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) requestCacheLocked(kind RequestKind) map[*event.Handle]fieldmask.Mask {
	switch kind {
	case InitialRequest:
		return s.initialEvents
	case FinalRequest:
		return s.finalEvents
	default:
		return nil
	}
}

// handleUpdateRequest answers an update request against this replica.
//
// A cache replies with the fields it has received data for. The owner sends
// its local data and, for fields that may have been written remotely, fans
// the request out to every other known holder; the requester's completion
// handle is chained behind all the partial answers.
func (s *State) handleUpdateRequest(ctx context.Context, msg updateRequest) error {
	if !s.IsOwner() {
		s.mu.RLock()
		overlap := s.updateFields.Intersect(msg.Mask)
		s.mu.RUnlock()
		if overlap.IsEmpty() {
			return s.svc.rt.TriggerAt(ctx, msg.HandleNode, msg.HandleID)
		}
		return s.sendUpdate(ctx, msg.Requester, msg.Kind, overlap, msg.HandleNode, msg.HandleID)
	}

	s.mu.RLock()
	overlap := s.updateFields.Intersect(msg.Mask)
	s.mu.RUnlock()

	// Fields never pushed to the owner cannot exist elsewhere for an initial
	// request. Final and child data may have been written on any holder.
	fanMask := msg.Mask
	if msg.Kind == InitialRequest {
		fanMask = msg.Mask.Subtract(overlap)
	}

	var parts []*event.Handle
	if !overlap.IsEmpty() {
		handle := event.NewHandle()
		handleID := s.svc.rt.Events().Register(handle)
		if err := s.sendUpdate(ctx, msg.Requester, msg.Kind, overlap, s.LocalNode(), handleID); err != nil {
			return err
		}
		parts = append(parts, handle)
	}
	if !fanMask.IsEmpty() {
		for _, target := range s.RemoteInstances() {
			if target == msg.Requester || target == s.LocalNode() {
				continue
			}
			handle := event.NewHandle()
			forward := updateRequest{
				ID:         msg.ID,
				ContextID:  msg.ContextID,
				Kind:       msg.Kind,
				Mask:       fanMask,
				Requester:  msg.Requester,
				HandleNode: s.LocalNode(),
				HandleID:   s.svc.rt.Events().Register(handle),
			}
			if err := s.svc.rt.Endpoint().Send(ctx, target, transport.KindVersionStateUpdateRequest, forward); err != nil {
				return err
			}
			parts = append(parts, handle)
		}
	}
	s.svc.rt.TriggerAtOn(msg.HandleNode, msg.HandleID, event.Merge(parts...))
	return nil
}

// sendUpdate serializes exactly the requested fields and sends them.
// The encoding is built under a read lock, the send happens after it is
// released, a local critical section never spans a network exchange.
func (s *State) sendUpdate(ctx context.Context, target mesh.NodeID, kind RequestKind, mask fieldmask.Mask, handleNode mesh.NodeID, handleID event.ID) error {
	response := updateResponse{
		ID:         s.DistID(),
		ContextID:  s.contextID,
		Kind:       kind,
		Mask:       mask,
		HandleNode: handleNode,
		HandleID:   handleID,
	}

	s.mu.RLock()
	// When the request covers everything this replica has, the tables are
	// sent whole, otherwise only the field-overlapping entries are encoded
	// and the per-child tables are split field by field.
	full := s.updateFields.Subtract(mask).IsEmpty()
	restrict := func(entry fieldmask.Mask) fieldmask.Mask {
		if full {
			return entry.Clone()
		}
		return entry.Intersect(mask)
	}
	if kind != ChildrenRequest {
		response.Dirty = restrict(s.dirtyMask)
		response.Reduction = restrict(s.reductionMask)
		for v, viewMask := range s.validViews {
			if overlap := restrict(viewMask); !overlap.IsEmpty() {
				response.Valid = append(response.Valid, wireView{
					ID: v.DistID(), Mask: overlap, Kind: v.Kind(), ReductionOp: v.ReductionOp(),
				})
			}
		}
		for v, viewMask := range s.reductionViews {
			if overlap := restrict(viewMask); !overlap.IsEmpty() {
				response.Reductions = append(response.Reductions, wireView{
					ID: v.DistID(), Mask: overlap, Kind: v.Kind(), ReductionOp: v.ReductionOp(),
				})
			}
		}
	}
	if kind != InitialRequest {
		for color, set := range s.openChildren {
			var entries []maskedID
			set.Each(func(child *State, childMask fieldmask.Mask) bool {
				if overlap := restrict(childMask); !overlap.IsEmpty() {
					entries = append(entries, maskedID{ID: child.DistID(), Mask: overlap})
				}
				return true
			})
			if len(entries) > 0 {
				if response.Children == nil {
					response.Children = make(map[tree.Color][]maskedID)
				}
				response.Children[color] = entries
			}
		}
	}
	s.mu.RUnlock()

	return s.svc.rt.Endpoint().Send(ctx, target, transport.KindVersionStateUpdateResponse, response)
}

// applyUpdateResponse merges a received encoding into the local replica.
//
// Views are reconstructed from their wire identity. Child states not yet
// local are requested from their owners and their reduction is deferred to
// the event queue until the replicas arrive; the response's completion
// handle fires only after the deferred reductions have run. A cache that
// acquires data for the first time notifies the owner so later fan-out
// requests reach it.
func (s *Service) applyUpdateResponse(ctx context.Context, msg updateResponse) error {
	state, found := s.states.Find(msg.ID)
	if !found {
		return errors.Errorf(`version state "%s" not found for an update response`, msg.ID)
	}

	incoming := NewPhysicalState()
	incoming.Dirty = msg.Dirty
	incoming.Reduction = msg.Reduction
	for _, wv := range msg.Valid {
		v, err := s.findOrCreateView(wv)
		if err != nil {
			return err
		}
		incoming.Valid[v] = incoming.Valid[v].Union(wv.Mask)
	}
	for _, wv := range msg.Reductions {
		v, err := s.findOrCreateView(wv)
		if err != nil {
			return err
		}
		incoming.Reductions[v] = incoming.Reductions[v].Union(wv.Mask)
	}

	var pending []*event.Handle
	for color, entries := range msg.Children {
		for _, entry := range entries {
			child, arrival, err := s.FindOrRequestState(ctx, entry.ID)
			if err != nil {
				return err
			}
			if arrival == nil {
				incoming.AddChild(color, child, entry.Mask)
				continue
			}
			done := s.rt.Queue().Defer(arrival, func(ctx context.Context) error {
				return state.reduceArrivedChild(ctx, color, entry)
			})
			pending = append(pending, done)
		}
	}

	if err := state.MergePhysicalState(ctx, incoming, msg.Mask); err != nil {
		return err
	}
	s.rt.TriggerAtOn(msg.HandleNode, msg.HandleID, event.Merge(pending...))
	return nil
}

// reduceArrivedChild folds a child version whose replica has just arrived
// into the open-children table.
func (s *State) reduceArrivedChild(ctx context.Context, color tree.Color, entry maskedID) error {
	child, found := s.svc.states.Find(entry.ID)
	if !found {
		return errors.Errorf(`version state "%s" did not arrive for a deferred child reduction`, entry.ID)
	}
	set := refset.NewUntracked[*State]()
	set.Insert(child, entry.Mask)
	return s.ReduceOpenChildren(ctx, color, entry.Mask, set, false)
}

func (s *Service) sendValidNotification(ctx context.Context, state *State) error {
	handle := event.NewHandle()
	message := validNotification{
		ID:         state.DistID(),
		HandleNode: s.rt.NodeID(),
		HandleID:   s.rt.Events().Register(handle),
	}
	return s.rt.Endpoint().Send(ctx, state.OwnerNode(), transport.KindVersionStateValidNotify, message)
}
