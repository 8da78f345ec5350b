// Package rttest builds multi-node in-process clusters for tests.
package rttest

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh/transport"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/rt"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Cluster is a set of runtime nodes connected by a loopback transport.
type Cluster struct {
	Network *transport.Loopback
	Nodes   map[mesh.NodeID]*rt.Runtime
}

// NewCluster starts one runtime per node ID, all wired to a shared loopback.
// Everything is stopped by t.Cleanup.
func NewCluster(t *testing.T, nodeIDs ...mesh.NodeID) *Cluster {
	t.Helper()
	ctx := context.Background()
	logger := log.NewDebugLogger()

	roster, err := mesh.NewRoster(nodeIDs...)
	require.NoError(t, err)

	network := transport.NewLoopback(logger, mesh.NewConfig().TransportBuffer)
	cluster := &Cluster{Network: network, Nodes: make(map[mesh.NodeID]*rt.Runtime)}
	for _, nodeID := range nodeIDs {
		endpoint, err := network.Endpoint(nodeID)
		require.NoError(t, err)

		cfg := mesh.NewConfig()
		cfg.NodeID = string(nodeID)

		node, err := rt.New(ctx, cfg, logger, clock.New(), roster, endpoint)
		require.NoError(t, err)
		cluster.Nodes[nodeID] = node
	}

	t.Cleanup(func() {
		network.Close()
		for _, node := range cluster.Nodes {
			node.Close()
		}
	})
	return cluster
}

// Node returns the runtime of the given node, it must exist.
func (c *Cluster) Node(nodeID mesh.NodeID) *rt.Runtime {
	node, found := c.Nodes[nodeID]
	if !found {
		panic(errors.Errorf(`unknown cluster node "%s"`, nodeID))
	}
	return node
}
