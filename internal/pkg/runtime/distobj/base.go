package distobj

import (
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Object is a distributed object held in a Registry.
type Object interface {
	DistID() ID
	OwnerNode() mesh.NodeID
}

// Hooks are the lifecycle notifications of a distributed object.
// They are invoked outside the base lock in the order of the transitions.
type Hooks struct {
	// OnActive is called when the first resource reference is added.
	OnActive func()
	// OnInactive is called when the last resource reference is removed.
	OnInactive func()
	// OnValid is called when the first valid reference is added.
	OnValid func()
	// OnInvalid is called when the last valid reference is removed.
	OnInvalid func()
}

// Base implements the shared ownership state of a distributed object:
// the global ID, the owner node, valid/resource reference counting with
// deletion-on-zero semantics and owner-side remote-instance tracking.
//
// There is no ad hoc delete: when both counters drop to zero the removal
// methods report true and the owning registry removes the object.
type Base struct {
	id    ID
	owner mesh.NodeID
	local mesh.NodeID
	hooks Hooks

	mu              sync.Mutex
	validRefs       int
	resourceRefs    int
	remoteInstances map[mesh.NodeID]struct{}
}

func NewBase(id ID, owner, local mesh.NodeID, hooks Hooks) *Base {
	return &Base{id: id, owner: owner, local: local, hooks: hooks}
}

func (b *Base) DistID() ID {
	return b.id
}

func (b *Base) OwnerNode() mesh.NodeID {
	return b.owner
}

func (b *Base) LocalNode() mesh.NodeID {
	return b.local
}

// IsOwner reports whether the local replica is the authoritative copy.
func (b *Base) IsOwner() bool {
	return b.owner == b.local
}

// AddValidRef increments the valid reference count.
func (b *Base) AddValidRef() {
	b.mu.Lock()
	b.validRefs++
	first := b.validRefs == 1
	b.mu.Unlock()
	if first && b.hooks.OnValid != nil {
		b.hooks.OnValid()
	}
}

// RemoveValidRef decrements the valid reference count,
// it reports true when the object holds no references at all.
func (b *Base) RemoveValidRef() bool {
	b.mu.Lock()
	if b.validRefs <= 0 {
		b.mu.Unlock()
		panic(errors.New("valid reference count underflow"))
	}
	b.validRefs--
	last := b.validRefs == 0
	deletable := last && b.resourceRefs == 0
	b.mu.Unlock()
	if last && b.hooks.OnInvalid != nil {
		b.hooks.OnInvalid()
	}
	return deletable
}

// AddResourceRef increments the resource reference count.
func (b *Base) AddResourceRef() {
	b.mu.Lock()
	b.resourceRefs++
	first := b.resourceRefs == 1
	b.mu.Unlock()
	if first && b.hooks.OnActive != nil {
		b.hooks.OnActive()
	}
}

// RemoveResourceRef decrements the resource reference count,
// it reports true when the object holds no references at all.
func (b *Base) RemoveResourceRef() bool {
	b.mu.Lock()
	if b.resourceRefs <= 0 {
		b.mu.Unlock()
		panic(errors.New("resource reference count underflow"))
	}
	b.resourceRefs--
	last := b.resourceRefs == 0
	deletable := last && b.validRefs == 0
	b.mu.Unlock()
	if last && b.hooks.OnInactive != nil {
		b.hooks.OnInactive()
	}
	return deletable
}

func (b *Base) ValidRefs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.validRefs
}

func (b *Base) ResourceRefs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resourceRefs
}

// UpdateRemoteInstance records that the node holds a remote copy.
// Only the owner tracks remote instances.
func (b *Base) UpdateRemoteInstance(node mesh.NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remoteInstances == nil {
		b.remoteInstances = make(map[mesh.NodeID]struct{})
	}
	b.remoteInstances[node] = struct{}{}
}

func (b *Base) HasRemoteInstance(node mesh.NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, found := b.remoteInstances[node]
	return found
}

// RemoteInstances returns a snapshot of the nodes holding a remote copy.
func (b *Base) RemoteInstances() []mesh.NodeID {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]mesh.NodeID, 0, len(b.remoteInstances))
	for node := range b.remoteInstances {
		out = append(out, node)
	}
	return out
}
