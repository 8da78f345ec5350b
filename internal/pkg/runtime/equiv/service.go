package equiv

import (
	"context"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh/transport"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/rt"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

type setRequest struct {
	ID distobj.ID `json:"id"`
}

type setResponse struct {
	ID   distobj.ID `json:"id"`
	Expr string     `json:"expr"`
}

type validCopyRequest struct {
	ID        distobj.ID     `json:"id"`
	Mask      fieldmask.Mask `json:"mask"`
	Exclusive bool           `json:"exclusive"`
	HandleID  event.ID       `json:"handleId"`
}

type validCopyResponse struct {
	ID        distobj.ID     `json:"id"`
	Mask      fieldmask.Mask `json:"mask"`
	Exclusive bool           `json:"exclusive"`
	HandleID  event.ID       `json:"handleId"`
}

type invalidateRequest struct {
	ID        distobj.ID     `json:"id"`
	Mask      fieldmask.Mask `json:"mask"`
	Downgrade bool           `json:"downgrade"`
	HandleID  event.ID       `json:"handleId"`
}

type invalidateResponse struct {
	ID       distobj.ID `json:"id"`
	HandleID event.ID   `json:"handleId"`
}

// Service owns the equivalence sets of one node and their wire protocol.
type Service struct {
	rt     *rt.Runtime
	logger log.Logger
	sets   *distobj.Registry[*Set]
}

func NewService(runtime *rt.Runtime) *Service {
	svc := &Service{
		rt:     runtime,
		logger: runtime.Logger().WithComponent("equiv"),
		sets:   distobj.NewRegistry[*Set](),
	}
	endpoint := runtime.Endpoint()
	endpoint.Register(transport.KindEquivalenceSetRequest, svc.onSetRequest)
	endpoint.Register(transport.KindEquivalenceSetResponse, svc.onSetResponse)
	endpoint.Register(transport.KindValidCopyRequest, svc.onValidCopyRequest)
	endpoint.Register(transport.KindValidCopyResponse, svc.onValidCopyResponse)
	endpoint.Register(transport.KindInvalidateRequest, svc.onInvalidateRequest)
	endpoint.Register(transport.KindInvalidateResponse, svc.onInvalidateResponse)
	return svc
}

// NewSet creates an equivalence set owned by this node.
func (s *Service) NewSet(expr string) (*Set, error) {
	set := newSet(s, s.rt.IDs().Next(), s.rt.NodeID(), expr)
	if err := s.sets.Register(set); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Service) Find(id distobj.ID) (*Set, bool) {
	return s.sets.Find(id)
}

func (s *Service) MustGet(id distobj.ID) *Set {
	return s.sets.MustGet(id)
}

// FindOrRequest returns the local replica or requests one from the owner.
// A non-nil handle fires once the replica has arrived and registered.
func (s *Service) FindOrRequest(ctx context.Context, id distobj.ID) (*Set, *event.Handle, error) {
	return s.sets.FindOrRequest(id, func() error {
		owner, err := s.rt.Roster().ByIndex(id.OwnerIndex())
		if err != nil {
			return err
		}
		return s.rt.Endpoint().Send(ctx, owner, transport.KindEquivalenceSetRequest, setRequest{ID: id})
	})
}

func (s *Service) onSetRequest(ctx context.Context, from mesh.NodeID, payload []byte) error {
	message := setRequest{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	set, found := s.sets.Find(message.ID)
	if !found {
		return errors.Errorf(`equivalence set "%s" not found`, message.ID)
	}
	if !set.IsOwner() {
		return errors.Errorf(`equivalence set "%s" requested from a non-owner node`, message.ID)
	}
	set.UpdateRemoteInstance(from)
	return s.rt.Endpoint().Send(ctx, from, transport.KindEquivalenceSetResponse,
		setResponse{ID: set.DistID(), Expr: set.Expr()})
}

func (s *Service) onSetResponse(_ context.Context, from mesh.NodeID, payload []byte) error {
	message := setResponse{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	return s.sets.Register(newSet(s, message.ID, from, message.Expr))
}

// onValidCopyRequest runs on the owner. The grant may trigger an invalidation
// round, the response to the requester is deferred until every invalidated
// holder has acknowledged.
func (s *Service) onValidCopyRequest(ctx context.Context, from mesh.NodeID, payload []byte) error {
	message := validCopyRequest{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	set, found := s.sets.Find(message.ID)
	if !found {
		return errors.Errorf(`equivalence set "%s" not found`, message.ID)
	}
	ready, applied := &event.Set{}, &event.Set{}
	if err := set.grant(from, message.Mask, message.Exclusive, ready, applied); err != nil {
		return err
	}
	response := validCopyResponse{
		ID:        message.ID,
		Mask:      message.Mask,
		Exclusive: message.Exclusive,
		HandleID:  message.HandleID,
	}
	acks := applied.Merge()
	if acks == nil {
		return s.rt.Endpoint().Send(ctx, from, transport.KindValidCopyResponse, response)
	}
	s.rt.Queue().Defer(acks, func(ctx context.Context) error {
		return s.rt.Endpoint().Send(ctx, from, transport.KindValidCopyResponse, response)
	})
	return nil
}

func (s *Service) onValidCopyResponse(_ context.Context, _ mesh.NodeID, payload []byte) error {
	message := validCopyResponse{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	set, found := s.sets.Find(message.ID)
	if !found {
		return errors.Errorf(`equivalence set "%s" not found`, message.ID)
	}
	set.applyGrant(message.Mask, message.Exclusive)
	return s.rt.Events().Trigger(message.HandleID)
}

func (s *Service) onInvalidateRequest(ctx context.Context, from mesh.NodeID, payload []byte) error {
	message := invalidateRequest{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	// An unknown set means this node never held a replica, ack anyway.
	if set, found := s.sets.Find(message.ID); found {
		set.invalidate(message.Mask, message.Downgrade)
	}
	return s.rt.Endpoint().Send(ctx, from, transport.KindInvalidateResponse,
		invalidateResponse{ID: message.ID, HandleID: message.HandleID})
}

func (s *Service) onInvalidateResponse(_ context.Context, _ mesh.NodeID, payload []byte) error {
	message := invalidateResponse{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	return s.rt.Events().Trigger(message.HandleID)
}

// sendInvalidate revokes a holder's validity, the returned handle fires on ack.
func (s *Service) sendInvalidate(set *Set, target mesh.NodeID, mask fieldmask.Mask, downgrade bool) (*event.Handle, error) {
	handle := event.NewHandle()
	handleID := s.rt.Events().Register(handle)
	err := s.rt.Endpoint().Send(context.Background(), target, transport.KindInvalidateRequest,
		invalidateRequest{ID: set.DistID(), Mask: mask, Downgrade: downgrade, HandleID: handleID})
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func (s *Service) sendValidCopyRequest(set *Set, mask fieldmask.Mask, exclusive bool, handleID event.ID) error {
	return s.rt.Endpoint().Send(context.Background(), set.OwnerNode(), transport.KindValidCopyRequest,
		validCopyRequest{ID: set.DistID(), Mask: mask, Exclusive: exclusive, HandleID: handleID})
}
