// Package rt wires the node-local services shared by the versioning
// components: cluster roster and owner assignment, the wire endpoint,
// the deferred-continuation queue and the completion-handle registry.
//
// Components receive a *Runtime explicitly instead of reaching for
// process-wide state, so tests can run several nodes in one process
// over the loopback transport.
package rt

import (
	"context"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh/transport"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
	"github.com/fieldmesh/fieldmesh/internal/pkg/validator"
)

type Runtime struct {
	config    mesh.Config
	logger    log.Logger
	clk       clock.Clock
	roster    *mesh.Roster
	nodeID    mesh.NodeID
	nodeIndex mesh.NodeIndex
	assigner  *mesh.Assigner
	endpoint  transport.Endpoint
	queue     *event.Queue
	events    *event.Registry
	waiter    *event.Waiter
	ids       *distobj.Allocator
}

func New(ctx context.Context, cfg mesh.Config, logger log.Logger, clk clock.Clock, roster *mesh.Roster, endpoint transport.Endpoint) (*Runtime, error) {
	if err := validator.New().Validate(ctx, cfg); err != nil {
		return nil, errors.PrefixError(err, "invalid node configuration")
	}

	nodeID := mesh.NodeID(cfg.NodeID)
	nodeIndex, err := roster.IndexOf(nodeID)
	if err != nil {
		return nil, err
	}
	if endpoint.NodeID() != nodeID {
		return nil, errors.Errorf(`endpoint belongs to node "%s", not to "%s"`, endpoint.NodeID(), nodeID)
	}

	assigner, err := mesh.NewAssigner(nodeID, roster)
	if err != nil {
		return nil, err
	}

	logger = logger.WithComponent("runtime").With(attribute.String("node", string(nodeID)))
	runtime := &Runtime{
		config:    cfg,
		logger:    logger,
		clk:       clk,
		roster:    roster,
		nodeID:    nodeID,
		nodeIndex: nodeIndex,
		assigner:  assigner,
		endpoint:  endpoint,
		queue:     event.NewQueue(logger, cfg.EventWorkers),
		events:    event.NewRegistry(),
		waiter:    event.NewWaiter(clk, logger, cfg.SlowWaitWarning),
		ids:       distobj.NewAllocator(nodeIndex),
	}
	endpoint.Register(transport.KindEventTrigger, runtime.onEventTrigger)
	return runtime, nil
}

type eventTriggerMessage struct {
	HandleID event.ID `json:"handleId"`
}

func (r *Runtime) onEventTrigger(_ context.Context, _ mesh.NodeID, payload []byte) error {
	message := eventTriggerMessage{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	return r.events.Trigger(message.HandleID)
}

// TriggerAt fires a completion handle registered on the given node.
func (r *Runtime) TriggerAt(ctx context.Context, node mesh.NodeID, handleID event.ID) error {
	if node == r.nodeID {
		return r.events.Trigger(handleID)
	}
	return r.endpoint.Send(ctx, node, transport.KindEventTrigger, eventTriggerMessage{HandleID: handleID})
}

// TriggerAtOn chains a remote trigger on a local precondition handle,
// the remote handle fires once the precondition has fired.
func (r *Runtime) TriggerAtOn(node mesh.NodeID, handleID event.ID, pre *event.Handle) {
	if pre == nil || pre.HasTriggered() {
		if err := r.TriggerAt(context.Background(), node, handleID); err != nil {
			r.logger.Errorf(`cannot trigger remote handle %d on node "%s": %s`, handleID, node, err)
		}
		return
	}
	r.queue.Defer(pre, func(ctx context.Context) error {
		return r.TriggerAt(ctx, node, handleID)
	})
}

func (r *Runtime) Config() mesh.Config {
	return r.config
}

func (r *Runtime) Logger() log.Logger {
	return r.logger
}

func (r *Runtime) Clock() clock.Clock {
	return r.clk
}

func (r *Runtime) Roster() *mesh.Roster {
	return r.roster
}

func (r *Runtime) NodeID() mesh.NodeID {
	return r.nodeID
}

func (r *Runtime) NodeIndex() mesh.NodeIndex {
	return r.nodeIndex
}

func (r *Runtime) Assigner() *mesh.Assigner {
	return r.assigner
}

func (r *Runtime) Endpoint() transport.Endpoint {
	return r.endpoint
}

// Queue runs deferred continuations keyed on precondition handles.
func (r *Runtime) Queue() *event.Queue {
	return r.queue
}

// Events maps completion handles to wire IDs for cross-node triggering.
func (r *Runtime) Events() *event.Registry {
	return r.events
}

func (r *Runtime) Waiter() *event.Waiter {
	return r.waiter
}

// IDs allocates distributed object IDs owned by this node.
func (r *Runtime) IDs() *distobj.Allocator {
	return r.ids
}

// NewMask creates an empty mask sized to the configured field universe.
func (r *Runtime) NewMask() fieldmask.Mask {
	return fieldmask.New(r.config.FieldUniverse)
}

// Close stops the continuation queue, pending continuations are awaited.
func (r *Runtime) Close() {
	r.queue.Close()
}
