package transport

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Loopback connects the endpoints of an in-process cluster.
//
// Each endpoint has one inbox and one delivery pump, so all messages
// received by a node are processed sequentially in arrival order,
// which is stronger than the per-channel ordering the protocol needs.
type Loopback struct {
	logger    log.Logger
	buffer    int
	mu        sync.RWMutex
	closed    bool
	endpoints map[mesh.NodeID]*loopbackEndpoint
	pumps     *errgroup.Group
}

type loopbackEndpoint struct {
	network  *Loopback
	nodeID   mesh.NodeID
	inbox    chan Envelope
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewLoopback(logger log.Logger, buffer int) *Loopback {
	return &Loopback{
		logger:    logger.WithComponent("transport"),
		buffer:    buffer,
		endpoints: make(map[mesh.NodeID]*loopbackEndpoint),
		pumps:     &errgroup.Group{},
	}
}

// Endpoint creates the endpoint of the node and starts its delivery pump.
func (n *Loopback) Endpoint(nodeID mesh.NodeID) (Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errors.New("transport is closed")
	}
	if _, found := n.endpoints[nodeID]; found {
		return nil, errors.Errorf(`endpoint "%s" already exists`, nodeID)
	}
	endpoint := &loopbackEndpoint{
		network:  n,
		nodeID:   nodeID,
		inbox:    make(chan Envelope, n.buffer),
		handlers: make(map[Kind]Handler),
	}
	n.endpoints[nodeID] = endpoint
	n.pumps.Go(endpoint.pump)
	return endpoint, nil
}

// Close stops accepting sends and waits until all inboxes are drained.
func (n *Loopback) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	for _, endpoint := range n.endpoints {
		close(endpoint.inbox)
	}
	n.mu.Unlock()
	_ = n.pumps.Wait()
}

func (n *Loopback) deliver(target mesh.NodeID, envelope Envelope) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return errors.New("transport is closed")
	}
	endpoint, found := n.endpoints[target]
	if !found {
		return errors.Errorf(`unknown target node "%s"`, target)
	}
	endpoint.inbox <- envelope
	return nil
}

func (e *loopbackEndpoint) NodeID() mesh.NodeID {
	return e.nodeID
}

func (e *loopbackEndpoint) Send(_ context.Context, target mesh.NodeID, kind Kind, message any) error {
	payload, err := Encode(message)
	if err != nil {
		return err
	}
	return e.network.deliver(target, Envelope{Kind: kind, From: e.nodeID, Payload: payload})
}

func (e *loopbackEndpoint) Register(kind Kind, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[kind] = handler
}

func (e *loopbackEndpoint) pump() error {
	ctx := context.Background()
	for envelope := range e.inbox {
		e.mu.RLock()
		handler, found := e.handlers[envelope.Kind]
		e.mu.RUnlock()
		if !found {
			e.network.logger.Errorf(`node "%s": no handler for message "%s"`, e.nodeID, envelope.Kind)
			continue
		}
		if err := handler(ctx, envelope.From, envelope.Payload); err != nil {
			e.network.logger.Errorf(`node "%s": message "%s" from "%s" failed: %s`, e.nodeID, envelope.Kind, envelope.From, err)
		}
	}
	return nil
}
