package version

import (
	"context"
	"sync"

	"go.uber.org/atomic"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh/transport"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/equiv"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
)

// Manager is the version coordinator of one (context, tree node) pair.
//
// The designated owner is a pure function of the pair over the consistent
// hash ring, every node computes the same owner without coordination. On
// first use the owner computes the equivalence sets locally, any other node
// requests them from the owner; concurrent first users share one
// computation through a double-checked flag and one pending handle.
type Manager struct {
	svc       *Service
	contextID uint64
	node      *tree.Node
	owner     mesh.NodeID
	isOwner   bool
	computed  *atomic.Bool

	mu      sync.Mutex
	pending *event.Handle
	sets    []*equiv.Set
}

func newManager(svc *Service, contextID uint64, node *tree.Node) (*Manager, error) {
	owner, err := svc.rt.Assigner().OwnerFor(mesh.VersionOwnerKey(contextID, node.Path()))
	if err != nil {
		return nil, err
	}
	return &Manager{
		svc:       svc,
		contextID: contextID,
		node:      node,
		owner:     owner,
		isOwner:   owner == svc.rt.NodeID(),
		computed:  atomic.NewBool(false),
	}, nil
}

// Owner is the designated owner node of this coordinator.
func (m *Manager) Owner() mesh.NodeID {
	return m.owner
}

// IsOwner reports whether the local node computes the sets itself.
func (m *Manager) IsOwner() bool {
	return m.isOwner
}

// PerformVersioningAnalysis resolves the versioning information for one
// consuming operation: it makes the equivalence sets of this pair locally
// resident, records them into the info collector and forwards the usage
// into each set. The caller waits on the collected handles before touching
// instance memory.
func (m *Manager) PerformVersioningAnalysis(ctx context.Context, usage Usage, mask fieldmask.Mask, info *Info, ready, applied *event.Set) error {
	for {
		pending, err := m.ensure(ctx)
		if err != nil {
			return err
		}
		if pending == nil {
			break
		}
		if err := m.svc.rt.Waiter().Wait(ctx, pending); err != nil {
			return err
		}
	}

	for _, set := range m.Sets() {
		info.Record(set, mask)
	}
	return info.MakeReady(usage, mask, ready, applied)
}

// ensure makes the equivalence sets resident. It returns nil when they are,
// or the pending handle the caller must wait on. Only the first caller
// triggers the computation or the owner request.
func (m *Manager) ensure(ctx context.Context) (*event.Handle, error) {
	if m.computed.Load() {
		return nil, nil
	}

	m.mu.Lock()
	if m.computed.Load() {
		m.mu.Unlock()
		return nil, nil
	}
	if m.pending != nil && !m.pending.HasTriggered() {
		pending := m.pending
		m.mu.Unlock()
		return pending, nil
	}

	if m.isOwner {
		defer m.mu.Unlock()
		set, err := m.svc.equiv.NewSet(m.node.IndexSpaceExpr())
		if err != nil {
			return nil, err
		}
		set.AddResourceRef()
		m.sets = []*equiv.Set{set}
		m.computed.Store(true)
		return nil, nil
	}

	handle := event.NewHandle()
	handleID := m.svc.rt.Events().Register(handle)
	m.pending = handle
	m.mu.Unlock()

	message := managerRequest{ContextID: m.contextID, TreePath: m.node.Path(), HandleID: handleID}
	if err := m.svc.rt.Endpoint().Send(ctx, m.owner, transport.KindVersionManagerRequest, message); err != nil {
		return nil, err
	}
	return handle, nil
}

// install takes the set IDs answered by the owner, makes each set locally
// resident and fires the original request handle once all references are
// held. Set replicas still in flight defer the installation to the queue.
func (m *Manager) install(ctx context.Context, ids []distobj.ID, handleID event.ID) error {
	var arrivals []*event.Handle
	for _, id := range ids {
		_, arrival, err := m.svc.equiv.FindOrRequest(ctx, id)
		if err != nil {
			return err
		}
		if arrival != nil {
			arrivals = append(arrivals, arrival)
		}
	}
	done := m.svc.rt.Queue().Defer(event.Merge(arrivals...), func(context.Context) error {
		m.finishInstall(ids)
		return nil
	})
	return m.svc.rt.Events().TriggerOn(handleID, done)
}

func (m *Manager) finishInstall(ids []distobj.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.computed.Load() {
		return
	}
	for _, id := range ids {
		set := m.svc.equiv.MustGet(id)
		set.AddResourceRef()
		m.sets = append(m.sets, set)
	}
	m.computed.Store(true)
	m.pending = nil
}

// Sets returns the held equivalence sets.
func (m *Manager) Sets() []*equiv.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*equiv.Set, len(m.sets))
	copy(out, m.sets)
	return out
}

func (m *Manager) setIDs() []distobj.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]distobj.ID, 0, len(m.sets))
	for _, set := range m.sets {
		out = append(out, set.DistID())
	}
	return out
}

// Reset drops the held references and clears the cached computation,
// the next use recomputes or refetches the sets.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range m.sets {
		set.RemoveResourceRef()
	}
	m.sets = nil
	m.pending = nil
	m.computed.Store(false)
}
