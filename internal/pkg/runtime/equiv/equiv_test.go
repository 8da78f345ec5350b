package equiv_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/equiv"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/rt/rttest"
)

type services map[mesh.NodeID]*equiv.Service

func newServices(t *testing.T, nodeIDs ...mesh.NodeID) services {
	t.Helper()
	cluster := rttest.NewCluster(t, nodeIDs...)
	out := make(services)
	for _, nodeID := range nodeIDs {
		out[nodeID] = equiv.NewService(cluster.Node(nodeID))
	}
	return out
}

func waitAll(t *testing.T, handles *event.Set) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, handles.Wait(ctx))
}

func TestSet_Replication(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svcs := newServices(t, "node-1", "node-2")

	owned, err := svcs["node-1"].NewSet("ispace:root")
	require.NoError(t, err)

	replica, ready, err := svcs["node-2"].FindOrRequest(ctx, owned.DistID())
	require.NoError(t, err)
	require.Nil(t, replica)
	require.NoError(t, ready.Wait(ctx))

	replica = svcs["node-2"].MustGet(owned.DistID())
	assert.Equal(t, "ispace:root", replica.Expr())
	assert.Equal(t, mesh.NodeID("node-1"), replica.OwnerNode())
	assert.True(t, replica.ValidFields().IsEmpty())

	// A second find returns the cached replica without a handle.
	again, pending, err := svcs["node-2"].FindOrRequest(ctx, owned.DistID())
	require.NoError(t, err)
	assert.Nil(t, pending)
	assert.Same(t, replica, again)

	// The owner now tracks node-2 as a remote instance.
	assert.True(t, owned.HasRemoteInstance("node-2"))
}

func TestSet_SharedValidCopy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svcs := newServices(t, "node-1", "node-2")

	owned, err := svcs["node-1"].NewSet("ispace:root")
	require.NoError(t, err)
	_, ready, err := svcs["node-2"].FindOrRequest(ctx, owned.DistID())
	require.NoError(t, err)
	require.NoError(t, ready.Wait(ctx))
	replica := svcs["node-2"].MustGet(owned.DistID())

	mask := fieldmask.Of(256, 0, 1)
	readySet, appliedSet := &event.Set{}, &event.Set{}
	require.NoError(t, replica.RequestValidCopy(mask, false, readySet, appliedSet))
	require.Equal(t, 1, readySet.Len())
	waitAll(t, readySet)
	waitAll(t, appliedSet)
	assert.True(t, replica.ValidFields().Contains(mask))
	assert.True(t, replica.ExclusiveFields().IsEmpty())

	// Shared copies coexist, the owner keeps its validity.
	assert.True(t, owned.ValidFields().Contains(mask))

	// A repeated request is satisfied locally, no new handles.
	readySet, appliedSet = &event.Set{}, &event.Set{}
	require.NoError(t, replica.RequestValidCopy(mask, false, readySet, appliedSet))
	assert.Equal(t, 0, readySet.Len())
}

func TestSet_ExclusiveInvalidation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	svcs := newServices(t, "node-1", "node-2", "node-3")

	owned, err := svcs["node-1"].NewSet("ispace:root")
	require.NoError(t, err)
	replicas := make(map[mesh.NodeID]*equiv.Set)
	for _, nodeID := range []mesh.NodeID{"node-2", "node-3"} {
		_, ready, err := svcs[nodeID].FindOrRequest(ctx, owned.DistID())
		require.NoError(t, err)
		require.NoError(t, ready.Wait(ctx))
		replicas[nodeID] = svcs[nodeID].MustGet(owned.DistID())
	}

	mask := fieldmask.Of(256, 3, 4)

	// node-2 takes a shared copy.
	readySet, appliedSet := &event.Set{}, &event.Set{}
	require.NoError(t, replicas["node-2"].RequestValidCopy(mask, false, readySet, appliedSet))
	waitAll(t, readySet)

	// node-3 takes an exclusive copy, node-2 must lose its validity first.
	readySet, appliedSet = &event.Set{}, &event.Set{}
	require.NoError(t, replicas["node-3"].RequestValidCopy(mask, true, readySet, appliedSet))
	waitAll(t, readySet)
	waitAll(t, appliedSet)

	assert.True(t, replicas["node-3"].ValidFields().Contains(mask))
	assert.True(t, replicas["node-3"].ExclusiveFields().Contains(mask))
	assert.False(t, replicas["node-2"].ValidFields().Overlaps(mask))
	assert.False(t, owned.ValidFields().Overlaps(mask), "the owner holder loses the fields too")

	// The owner takes the fields back exclusively, node-3 is invalidated.
	readySet, appliedSet = &event.Set{}, &event.Set{}
	require.NoError(t, owned.RequestValidCopy(mask, true, readySet, appliedSet))
	waitAll(t, appliedSet)
	assert.True(t, owned.ValidFields().Contains(mask))
	assert.False(t, replicas["node-3"].ValidFields().Overlaps(mask))
}
