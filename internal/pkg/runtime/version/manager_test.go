package version_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/version"
)

// managers returns the coordinators of the (context, "root") pair on every
// node, split into the designated owner and the others.
func managers(t *testing.T, h harness, contextID uint64) (owner *version.Manager, others []*version.Manager) {
	t.Helper()
	for nodeID, node := range h {
		mgr, err := node.version.Manager(contextID, node.forest.MustGet("root"))
		require.NoError(t, err)
		if mgr.IsOwner() {
			require.Equal(t, nodeID, mgr.Owner())
			owner = mgr
		} else {
			others = append(others, mgr)
		}
	}
	require.NotNil(t, owner, "one node must be the designated owner")
	return owner, others
}

func TestManager_OwnerComputesLocally(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, "node-1", "node-2")
	owner, _ := managers(t, h, 7)

	info := &version.Info{}
	ready, applied := &event.Set{}, &event.Set{}
	usage := version.Usage{Privilege: version.ReadOnly}
	require.NoError(t, owner.PerformVersioningAnalysis(ctx, usage, mask(0, 1), info, ready, applied))
	waitAll(t, ready)
	waitAll(t, applied)

	sets := owner.Sets()
	require.Len(t, sets, 1)
	assert.Equal(t, "ispace:root", sets[0].Expr())
	require.Len(t, info.Entries(), 1)
	assert.True(t, info.Entries()[0].Mask.Equal(mask(0, 1)))
}

func TestManager_RequestFromOwner(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, "node-1", "node-2")
	owner, others := managers(t, h, 7)
	require.Len(t, others, 1)
	requester := others[0]

	info := &version.Info{}
	ready, applied := &event.Set{}, &event.Set{}
	usage := version.Usage{Privilege: version.ReadWrite}
	require.NoError(t, requester.PerformVersioningAnalysis(ctx, usage, mask(3), info, ready, applied))
	waitAll(t, ready)
	waitAll(t, applied)

	// The requester holds a replica of the owner's set and took the
	// exclusive copy of the written fields.
	require.Len(t, requester.Sets(), 1)
	require.Len(t, owner.Sets(), 1)
	assert.Equal(t, owner.Sets()[0].DistID(), requester.Sets()[0].DistID())
	assert.Equal(t, owner.Owner(), requester.Sets()[0].OwnerNode())
	assert.True(t, requester.Sets()[0].ExclusiveFields().Contains(mask(3)))
}

func TestManager_SingleFlight(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, "node-1", "node-2")
	_, others := managers(t, h, 11)
	requester := others[0]

	// All concurrent first users share one owner request and observe the
	// same resulting set.
	group, groupCtx := errgroup.WithContext(ctx)
	infos := make([]*version.Info, 8)
	for n := range infos {
		infos[n] = &version.Info{}
		info := infos[n]
		group.Go(func() error {
			ready, applied := &event.Set{}, &event.Set{}
			usage := version.Usage{Privilege: version.ReadOnly}
			if err := requester.PerformVersioningAnalysis(groupCtx, usage, mask(0), info, ready, applied); err != nil {
				return err
			}
			return ready.Wait(groupCtx)
		})
	}
	require.NoError(t, group.Wait())

	require.Len(t, requester.Sets(), 1)
	expected := requester.Sets()[0]
	for _, info := range infos {
		entries := info.Entries()
		require.Len(t, entries, 1)
		assert.Same(t, expected, entries[0].Set)
	}
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, "node-1", "node-2")
	owner, _ := managers(t, h, 13)

	info := &version.Info{}
	ready, applied := &event.Set{}, &event.Set{}
	usage := version.Usage{Privilege: version.ReadOnly}
	require.NoError(t, owner.PerformVersioningAnalysis(ctx, usage, mask(0), info, ready, applied))
	first := owner.Sets()
	require.Len(t, first, 1)

	owner.Reset()
	assert.Empty(t, owner.Sets())

	// The next use recomputes from the tree structure.
	require.NoError(t, owner.PerformVersioningAnalysis(ctx, usage, mask(0), &version.Info{}, &event.Set{}, &event.Set{}))
	second := owner.Sets()
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].DistID(), second[0].DistID())
}

func TestInfo_RecordAndMakeReady(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h := newHarness(t, "node-1", "node-2")
	a, b := h["node-1"], h["node-2"]

	owned, err := a.equiv.NewSet("ispace:root")
	require.NoError(t, err)
	_, arrival, err := b.equiv.FindOrRequest(ctx, owned.DistID())
	require.NoError(t, err)
	require.NoError(t, arrival.Wait(ctx))
	replica := b.equiv.MustGet(owned.DistID())

	info := &version.Info{}
	info.Record(replica, mask(0, 1))
	info.Record(replica, mask(2))
	entries := info.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Mask.Equal(mask(0, 1, 2)))

	// Only the overlap of the recorded and requested fields is forwarded.
	ready, applied := &event.Set{}, &event.Set{}
	usage := version.Usage{Privilege: version.ReadOnly}
	require.NoError(t, info.MakeReady(usage, mask(1, 5), ready, applied))
	waitAll(t, ready)
	waitAll(t, applied)
	assert.True(t, replica.ValidFields().Contains(mask(1)))
	assert.False(t, replica.ValidFields().Has(5))

	info.Clear()
	assert.Empty(t, info.Entries())
}

func TestManager_OwnerIsPureFunction(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "node-1", "node-2", "node-3")

	// Every node computes the same owner for the same pair without
	// any coordination.
	owners := make(map[mesh.NodeID]struct{})
	for _, node := range h {
		mgr, err := node.version.Manager(21, node.forest.MustGet("root"))
		require.NoError(t, err)
		owners[mgr.Owner()] = struct{}{}
	}
	assert.Len(t, owners, 1)
}
