package event

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// ID identifies a registered handle on the wire.
// A node that expects a remote answer registers the handle and sends its ID,
// the answer message carries the ID back and triggers the handle.
type ID uint64

// Registry maps wire IDs to pending local handles.
type Registry struct {
	next    *atomic.Uint64
	mu      sync.Mutex
	pending map[ID]*Handle
}

func NewRegistry() *Registry {
	return &Registry{next: atomic.NewUint64(0), pending: make(map[ID]*Handle)}
}

func (r *Registry) Register(h *Handle) ID {
	id := ID(r.next.Inc())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = h
	return id
}

// Trigger fires the registered handle and removes it.
func (r *Registry) Trigger(id ID) error {
	r.mu.Lock()
	h, found := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !found {
		return errors.Errorf(`completion handle "%d" is not registered`, id)
	}
	h.Trigger()
	return nil
}

// TriggerOn chains the registered handle to the precondition and removes it.
func (r *Registry) TriggerOn(id ID, pre *Handle) error {
	r.mu.Lock()
	h, found := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !found {
		return errors.Errorf(`completion handle "%d" is not registered`, id)
	}
	h.TriggerOn(pre)
	return nil
}

func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
