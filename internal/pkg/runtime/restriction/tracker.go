package restriction

import (
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/view"
)

// Tracker holds the coherence restrictions of one task context.
// All operations are serialized by the tracker lock.
type Tracker struct {
	mu           sync.Mutex
	restrictions []*Restriction
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// HasRestrictions reports whether any restriction is active.
func (t *Tracker) HasRestrictions() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.restrictions) > 0
}

// Attach restricts the fields of the node to the externally attached
// instance. The attach lands under an open acquisition when one covers it,
// otherwise it opens a new top level restriction.
func (t *Tracker) Attach(op Op, node *tree.Node, inst *view.View, mask fieldmask.Mask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := mask.Clone()
	for _, restriction := range t.restrictions {
		var err error
		remaining, err = restriction.AddRestriction(op, node, inst, remaining)
		if err != nil {
			return err
		}
		if remaining.IsEmpty() {
			return nil
		}
	}
	restriction := NewRestriction(node)
	restriction.AddRestrictedInstance(inst, remaining)
	t.restrictions = append(t.restrictions, restriction)
	return nil
}

// Detach removes the restriction of the fields of the node. A detach of
// fields that are not restricted there is reported through the returned
// unmatched mask, acquired fields stay restricted until released.
func (t *Tracker) Detach(node *tree.Node, mask fieldmask.Mask) fieldmask.Mask {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := mask.Clone()
	kept := t.restrictions[:0]
	for n, restriction := range t.restrictions {
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
			kept = append(kept, t.restrictions[n+1:]...)
			break
		}
	}
	t.restrictions = kept
	return remaining
}

// Acquire lifts the restriction of the fields of the node for the issuing
// task. Acquiring fields that are not restricted is a user error.
func (t *Tracker) Acquire(op Op, node *tree.Node, mask fieldmask.Mask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := mask.Clone()
	for _, restriction := range t.restrictions {
		var err error
		remaining, err = restriction.AddAcquisition(op, node, remaining)
		if err != nil {
			return err
		}
		if remaining.IsEmpty() {
			return nil
		}
	}
	return newOpError(UnrestrictedAcquire, op)
}

// Release reinstates the restriction of previously acquired fields.
// Releasing fields without a matching acquire is a user error.
func (t *Tracker) Release(op Op, node *tree.Node, mask fieldmask.Mask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	remaining := mask.Clone()
	for _, restriction := range t.restrictions {
		remaining = restriction.RemoveAcquisition(node, remaining)
		if remaining.IsEmpty() {
			return nil
		}
	}
	return newOpError(UnacquiredRelease, op)
}

// Analyze resolves the restrictions covering the fields of the node and
// records the restricted instances into info. It returns the fields no
// restriction or acquisition touched, acquired fields count as resolved.
// The restricted fields are exactly those recorded in info.
func (t *Tracker) Analyze(node *tree.Node, mask fieldmask.Mask, info *RestrictInfo) fieldmask.Mask {
	t.mu.Lock()
	defer t.mu.Unlock()
	possiblyRestricted := mask.Clone()
	for _, restriction := range t.restrictions {
		possiblyRestricted = restriction.FindRestrictions(node, possiblyRestricted, info)
		if possiblyRestricted.IsEmpty() {
			break
		}
	}
	return possiblyRestricted
}
