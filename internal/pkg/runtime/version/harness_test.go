package version_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/equiv"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/rt/rttest"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/version"
)

// testNode bundles the services of one cluster node.
// Every node carries its own copy of the region-tree topology,
// the topology is distributed out of band.
type testNode struct {
	forest  *tree.Forest
	equiv   *equiv.Service
	version *version.Service
}

type harness map[mesh.NodeID]*testNode

func newHarness(t *testing.T, nodeIDs ...mesh.NodeID) harness {
	t.Helper()
	cluster := rttest.NewCluster(t, nodeIDs...)
	out := make(harness)
	for _, nodeID := range nodeIDs {
		runtime := cluster.Node(nodeID)
		forest := tree.NewForest()
		buildTopology(t, forest)
		equivSvc := equiv.NewService(runtime)
		out[nodeID] = &testNode{
			forest:  forest,
			equiv:   equivSvc,
			version: version.NewService(runtime, forest, equivSvc),
		}
	}
	return out
}

func buildTopology(t *testing.T, f *tree.Forest) {
	t.Helper()
	_, err := f.AddRegion("root", 0, "ispace:root")
	require.NoError(t, err)
	_, err = f.AddPartition("root/rows", 0, "ispace:rows")
	require.NoError(t, err)
	_, err = f.AddRegion("root/rows/0", 0, "ispace:rows[0]")
	require.NoError(t, err)
	_, err = f.AddRegion("root/rows/1", 1, "ispace:rows[1]")
	require.NoError(t, err)
}

func mask(fields ...uint) fieldmask.Mask {
	return fieldmask.Of(256, fields...)
}

func waitAll(t *testing.T, handles *event.Set) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, handles.Wait(ctx))
}

// fetchState pulls a state replica from its owner and waits for the arrival.
func fetchState(t *testing.T, ctx context.Context, node *testNode, owned *version.State) *version.State {
	t.Helper()
	replica, arrival, err := node.version.FindOrRequestState(ctx, owned.DistID())
	require.NoError(t, err)
	if replica != nil {
		return replica
	}
	require.NoError(t, arrival.Wait(ctx))
	replica, found := node.version.FindState(owned.DistID())
	require.True(t, found)
	return replica
}
