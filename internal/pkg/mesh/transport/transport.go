// Package transport is the message-passing boundary between runtime nodes.
//
// A send is always asynchronous, it never waits for the reply: request
// messages carry a completion-handle ID and the response message triggers
// the handle on the requesting node. Delivery is reliable and ordered per
// channel, there are no timeouts or retries.
//
// The package ships only the in-process loopback implementation, real
// network transports live outside the consistency layer. The loopback obeys
// the same contract, including a full encode/decode of every message, so
// value isolation between nodes is the same as on a real wire.
package transport

import (
	"context"

	"github.com/fieldmesh/fieldmesh/internal/pkg/encoding/json"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Kind routes a message to its registered handler.
type Kind string

const (
	KindEquivalenceSetRequest      = Kind("equivalence_set_request")
	KindEquivalenceSetResponse     = Kind("equivalence_set_response")
	KindValidCopyRequest           = Kind("equivalence_set_valid_copy_request")
	KindValidCopyResponse          = Kind("equivalence_set_valid_copy_response")
	KindInvalidateRequest          = Kind("equivalence_set_invalidate_request")
	KindInvalidateResponse         = Kind("equivalence_set_invalidate_response")
	KindVersionManagerRequest      = Kind("version_manager_request")
	KindVersionManagerResponse     = Kind("version_manager_response")
	KindVersionStateRequest        = Kind("version_state_request")
	KindVersionStateResponse       = Kind("version_state_response")
	KindVersionStateUpdateRequest  = Kind("version_state_update_request")
	KindVersionStateUpdateResponse = Kind("version_state_update_response")
	KindVersionStateValidNotify    = Kind("version_state_valid_notification")
	KindEventTrigger               = Kind("event_trigger")
)

// Envelope is the unit of delivery.
type Envelope struct {
	Kind    Kind        `json:"kind"`
	From    mesh.NodeID `json:"from"`
	Payload []byte      `json:"payload"`
}

// Handler processes one received message. It must not block on another
// network exchange, long work is deferred to the event queue by the caller.
type Handler func(ctx context.Context, from mesh.NodeID, payload []byte) error

// Endpoint is one node's access to the transport.
type Endpoint interface {
	NodeID() mesh.NodeID
	// Send encodes the message and enqueues it for the target node.
	Send(ctx context.Context, target mesh.NodeID, kind Kind, message any) error
	// Register attaches the handler for the message kind, last write wins.
	Register(kind Kind, handler Handler)
}

// Encode marshals a message into an envelope payload.
func Encode(message any) ([]byte, error) {
	payload, err := json.Encode(message, false)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode message")
	}
	return payload, nil
}

// Decode unmarshals an envelope payload into the target message struct.
func Decode(payload []byte, target any) error {
	if err := json.Decode(payload, target); err != nil {
		return errors.Wrap(err, "cannot decode message")
	}
	return nil
}
