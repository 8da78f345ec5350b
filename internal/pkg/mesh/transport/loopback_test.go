package transport_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh/transport"
)

type pingMessage struct {
	Seq int `json:"seq"`
}

func TestLoopback_SendReceive(t *testing.T) {
	t.Parallel()

	network := transport.NewLoopback(log.NewDebugLogger(), 64)
	defer network.Close()

	node1, err := network.Endpoint("node1")
	require.NoError(t, err)
	node2, err := network.Endpoint("node2")
	require.NoError(t, err)

	count := 10
	received := make([]pingMessage, 0, count)
	mu := sync.Mutex{}
	wg := sync.WaitGroup{}
	wg.Add(count)
	node2.Register("ping", func(ctx context.Context, from mesh.NodeID, payload []byte) error {
		defer wg.Done()
		assert.Equal(t, mesh.NodeID("node1"), from)
		msg := pingMessage{}
		if err := transport.Decode(payload, &msg); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		received = append(received, msg)
		return nil
	})

	for i := 0; i < count; i++ {
		require.NoError(t, node1.Send(context.Background(), "node2", "ping", pingMessage{Seq: i}))
	}
	wg.Wait()

	// Messages from one sender arrive in order
	for i, msg := range received {
		assert.Equal(t, i, msg.Seq)
	}
}

func TestLoopback_SendToSelf(t *testing.T) {
	t.Parallel()

	network := transport.NewLoopback(log.NewDebugLogger(), 64)
	defer network.Close()

	node1, err := network.Endpoint("node1")
	require.NoError(t, err)

	wg := sync.WaitGroup{}
	wg.Add(1)
	node1.Register("ping", func(ctx context.Context, from mesh.NodeID, payload []byte) error {
		defer wg.Done()
		assert.Equal(t, mesh.NodeID("node1"), from)
		return nil
	})

	require.NoError(t, node1.Send(context.Background(), "node1", "ping", pingMessage{}))
	wg.Wait()
}

func TestLoopback_Errors(t *testing.T) {
	t.Parallel()

	logger := log.NewDebugLogger()
	network := transport.NewLoopback(logger, 64)

	node1, err := network.Endpoint("node1")
	require.NoError(t, err)

	// Duplicate endpoint
	_, err = network.Endpoint("node1")
	assert.Error(t, err)

	// Unknown target
	err = node1.Send(context.Background(), "node9", "ping", pingMessage{})
	assert.Error(t, err)

	// Message without a handler is logged
	require.NoError(t, node1.Send(context.Background(), "node1", "unknown-kind", pingMessage{}))
	network.Close()
	assert.True(t, strings.Contains(logger.WarnAndErrorMessages(), "no handler"))

	// Closed transport rejects sends and new endpoints
	assert.Error(t, node1.Send(context.Background(), "node1", "ping", pingMessage{}))
	_, err = network.Endpoint("node2")
	assert.Error(t, err)
}
