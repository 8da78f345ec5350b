// Package equiv implements equivalence sets, the distributed objects behind
// the valid-copy model. An equivalence set covers one index-space expression
// and answers a single question for its consumers: make these fields valid
// here, optionally exclusively.
//
// The owner node tracks which nodes hold valid copies per field. A shared
// request grants validity to the requester, an exclusive request first runs
// an invalidation round over all other holders and grants only after every
// holder has acknowledged.
package equiv

import (
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
)

// Set is one equivalence set replica.
type Set struct {
	*distobj.Base
	svc  *Service
	expr string

	mu sync.Mutex
	// Owner side, per-node validity bookkeeping.
	holders   map[mesh.NodeID]fieldmask.Mask
	exclusive map[mesh.NodeID]fieldmask.Mask
	// Replica side, fields granted to this node.
	validFields     fieldmask.Mask
	exclusiveFields fieldmask.Mask
	// Outstanding requests to the owner, deduplicated per field subset.
	pendingShared    map[*event.Handle]fieldmask.Mask
	pendingExclusive map[*event.Handle]fieldmask.Mask
}

func newSet(svc *Service, id distobj.ID, owner mesh.NodeID, expr string) *Set {
	set := &Set{
		Base:             distobj.NewBase(id, owner, svc.rt.NodeID(), distobj.Hooks{}),
		svc:              svc,
		expr:             expr,
		pendingShared:    make(map[*event.Handle]fieldmask.Mask),
		pendingExclusive: make(map[*event.Handle]fieldmask.Mask),
	}
	if set.IsOwner() {
		universe := svc.rt.Config().FieldUniverse
		set.holders = map[mesh.NodeID]fieldmask.Mask{owner: fieldmask.Full(universe)}
		set.exclusive = map[mesh.NodeID]fieldmask.Mask{owner: fieldmask.Full(universe)}
		set.validFields = fieldmask.Full(universe)
		set.exclusiveFields = fieldmask.Full(universe)
	}
	return set
}

// Expr is the index-space expression covered by the set.
func (e *Set) Expr() string {
	return e.expr
}

// RequestValidCopy makes the fields of the mask valid on this node.
// With exclusive set, this node becomes the only valid holder.
// Completion handles are collected into ready and applied, a request already
// satisfied locally adds nothing. The call never blocks on the network.
func (e *Set) RequestValidCopy(mask fieldmask.Mask, exclusive bool, ready, applied *event.Set) error {
	if e.IsOwner() {
		return e.grant(e.LocalNode(), mask, exclusive, ready, applied)
	}

	e.mu.Lock()
	satisfied := e.validFields
	if exclusive {
		satisfied = e.exclusiveFields
	}
	remaining := mask.Subtract(satisfied)
	if remaining.IsEmpty() {
		e.mu.Unlock()
		return nil
	}
	// Reuse outstanding requests for overlapping fields.
	pending := e.pendingShared
	if exclusive {
		pending = e.pendingExclusive
	}
	for handle, pendingMask := range pending {
		if handle.HasTriggered() {
			delete(pending, handle)
			continue
		}
		overlap := pendingMask.Intersect(remaining)
		if overlap.IsEmpty() {
			continue
		}
		ready.Insert(handle)
		applied.Insert(handle)
		remaining = remaining.Subtract(overlap)
		if remaining.IsEmpty() {
			e.mu.Unlock()
			return nil
		}
	}
	handle := event.NewHandle()
	pending[handle] = remaining
	handleID := e.svc.rt.Events().Register(handle)
	e.mu.Unlock()

	ready.Insert(handle)
	applied.Insert(handle)
	return e.svc.sendValidCopyRequest(e, remaining, exclusive, handleID)
}

// grant runs on the owner for local and remote requests alike.
// Holders to invalidate are collected under the lock, the messages are sent
// after it is released. The returned handles in applied fire once every
// invalidated holder has acknowledged.
func (e *Set) grant(requester mesh.NodeID, mask fieldmask.Mask, exclusive bool, ready, applied *event.Set) error {
	type invalidation struct {
		target    mesh.NodeID
		mask      fieldmask.Mask
		downgrade bool
	}
	var invalidations []invalidation

	e.mu.Lock()
	for node, held := range e.holders {
		if node == requester {
			continue
		}
		if exclusive {
			overlap := held.Intersect(mask)
			if overlap.IsEmpty() {
				continue
			}
			invalidations = append(invalidations, invalidation{target: node, mask: overlap})
			e.holders[node] = held.Subtract(overlap)
			e.exclusive[node] = e.exclusive[node].Subtract(overlap)
		} else {
			// Shared copies coexist, only exclusivity elsewhere must go.
			overlap := e.exclusive[node].Intersect(mask)
			if overlap.IsEmpty() {
				continue
			}
			invalidations = append(invalidations, invalidation{target: node, mask: overlap, downgrade: true})
			e.exclusive[node] = e.exclusive[node].Subtract(overlap)
		}
	}
	e.holders[requester] = e.holders[requester].Union(mask)
	if exclusive {
		e.exclusive[requester] = e.exclusive[requester].Union(mask)
	}
	if requester == e.LocalNode() {
		e.validFields = e.validFields.Union(mask)
		if exclusive {
			e.exclusiveFields = e.exclusiveFields.Union(mask)
		}
	}
	e.mu.Unlock()

	for _, inv := range invalidations {
		ack, err := e.svc.sendInvalidate(e, inv.target, inv.mask, inv.downgrade)
		if err != nil {
			return err
		}
		ready.Insert(ack)
		applied.Insert(ack)
	}
	return nil
}

// invalidate revokes validity on a replica, a downgrade only removes
// exclusivity and keeps the shared copy valid.
func (e *Set) invalidate(mask fieldmask.Mask, downgrade bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !downgrade {
		e.validFields = e.validFields.Subtract(mask)
	}
	e.exclusiveFields = e.exclusiveFields.Subtract(mask)
}

// applyGrant records a grant received from the owner.
// Satisfied entries of the outstanding-request caches are pruned lazily,
// the next RequestValidCopy drops handles that have already fired.
func (e *Set) applyGrant(mask fieldmask.Mask, exclusive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validFields = e.validFields.Union(mask)
	if exclusive {
		e.exclusiveFields = e.exclusiveFields.Union(mask)
	}
}

// ValidFields reports which fields this replica currently holds valid.
func (e *Set) ValidFields() fieldmask.Mask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.validFields.Clone()
}

// ExclusiveFields reports which fields this replica holds exclusively.
func (e *Set) ExclusiveFields() fieldmask.Mask {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exclusiveFields.Clone()
}
