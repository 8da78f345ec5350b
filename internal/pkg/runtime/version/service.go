package version

import (
	"context"
	"sync"

	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/log"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh/transport"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/equiv"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/rt"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/view"
	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

type managerKey struct {
	contextID uint64
	treePath  string
}

// Service owns the version states, views and coordinators of one node
// and their wire protocol.
type Service struct {
	rt     *rt.Runtime
	logger log.Logger
	forest *tree.Forest
	equiv  *equiv.Service
	states *distobj.Registry[*State]
	views  *distobj.Registry[*view.View]

	managersMu sync.Mutex
	managers   map[managerKey]*Manager
}

func NewService(runtime *rt.Runtime, forest *tree.Forest, equivSvc *equiv.Service) *Service {
	svc := &Service{
		rt:       runtime,
		logger:   runtime.Logger().WithComponent("version"),
		forest:   forest,
		equiv:    equivSvc,
		states:   distobj.NewRegistry[*State](),
		views:    distobj.NewRegistry[*view.View](),
		managers: make(map[managerKey]*Manager),
	}
	endpoint := runtime.Endpoint()
	endpoint.Register(transport.KindVersionStateRequest, svc.onStateRequest)
	endpoint.Register(transport.KindVersionStateResponse, svc.onStateResponse)
	endpoint.Register(transport.KindVersionStateUpdateRequest, svc.onUpdateRequest)
	endpoint.Register(transport.KindVersionStateUpdateResponse, svc.onUpdateResponse)
	endpoint.Register(transport.KindVersionStateValidNotify, svc.onValidNotification)
	endpoint.Register(transport.KindVersionManagerRequest, svc.onManagerRequest)
	endpoint.Register(transport.KindVersionManagerResponse, svc.onManagerResponse)
	return svc
}

// NewState creates a version state owned by this node.
func (s *Service) NewState(contextID uint64, node *tree.Node, version uint64) (*State, error) {
	state := newState(s, s.rt.IDs().Next(), s.rt.NodeID(), contextID, node, version)
	if err := s.states.Register(state); err != nil {
		return nil, err
	}
	return state, nil
}

// NewView creates a view owned by this node.
func (s *Service) NewView(kind view.Kind) (*view.View, error) {
	v := view.New(s.rt.IDs().Next(), s.rt.NodeID(), s.rt.NodeID(), kind)
	if err := s.views.Register(v); err != nil {
		return nil, err
	}
	return v, nil
}

// NewReductionView creates a reduction view bound to the reduction operator.
func (s *Service) NewReductionView(redop uint64) (*view.View, error) {
	v := view.NewReduction(s.rt.IDs().Next(), s.rt.NodeID(), s.rt.NodeID(), redop)
	if err := s.views.Register(v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Service) FindState(id distobj.ID) (*State, bool) {
	return s.states.Find(id)
}

func (s *Service) FindView(id distobj.ID) (*view.View, bool) {
	return s.views.Find(id)
}

// Manager returns the coordinator of the (context, tree node) pair,
// creating it on first access.
func (s *Service) Manager(contextID uint64, node *tree.Node) (*Manager, error) {
	key := managerKey{contextID: contextID, treePath: node.Path()}
	s.managersMu.Lock()
	defer s.managersMu.Unlock()
	if mgr, found := s.managers[key]; found {
		return mgr, nil
	}
	mgr, err := newManager(s, contextID, node)
	if err != nil {
		return nil, err
	}
	s.managers[key] = mgr
	return mgr, nil
}

// FindOrRequestState returns the local replica or requests one from the
// owner. A non-nil handle fires once the replica has arrived and registered.
func (s *Service) FindOrRequestState(ctx context.Context, id distobj.ID) (*State, *event.Handle, error) {
	return s.states.FindOrRequest(id, func() error {
		owner, err := s.rt.Roster().ByIndex(id.OwnerIndex())
		if err != nil {
			return err
		}
		return s.rt.Endpoint().Send(ctx, owner, transport.KindVersionStateRequest, stateRequest{ID: id})
	})
}

// findOrCreateView reconstructs a view replica from its wire identity.
// The identity is self-contained, no exchange with the view's owner is needed.
func (s *Service) findOrCreateView(wv wireView) (*view.View, error) {
	if v, found := s.views.Find(wv.ID); found {
		return v, nil
	}
	owner, err := s.rt.Roster().ByIndex(wv.ID.OwnerIndex())
	if err != nil {
		return nil, err
	}
	var v *view.View
	if wv.Kind == view.Reduction {
		v = view.NewReduction(wv.ID, owner, s.rt.NodeID(), wv.ReductionOp)
	} else {
		v = view.New(wv.ID, owner, s.rt.NodeID(), wv.Kind)
	}
	if err := s.views.Register(v); err != nil {
		// A concurrent response registered the same view first.
		return s.views.MustGet(wv.ID), nil
	}
	return v, nil
}

func (s *Service) onStateRequest(ctx context.Context, from mesh.NodeID, payload []byte) error {
	message := stateRequest{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	state, found := s.states.Find(message.ID)
	if !found {
		return errors.Errorf(`version state "%s" not found`, message.ID)
	}
	if !state.IsOwner() {
		return errors.Errorf(`version state "%s" requested from a non-owner node`, message.ID)
	}
	state.UpdateRemoteInstance(from)
	return s.rt.Endpoint().Send(ctx, from, transport.KindVersionStateResponse, stateResponse{
		ID:        state.DistID(),
		ContextID: state.ContextID(),
		Version:   state.VersionNumber(),
		TreePath:  state.Node().Path(),
	})
}

func (s *Service) onStateResponse(_ context.Context, from mesh.NodeID, payload []byte) error {
	message := stateResponse{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	node, found := s.forest.Get(message.TreePath)
	if !found {
		return errors.Errorf(`tree node "%s" of version state "%s" not found`, message.TreePath, message.ID)
	}
	return s.states.Register(newState(s, message.ID, from, message.ContextID, node, message.Version))
}

func (s *Service) onUpdateRequest(ctx context.Context, _ mesh.NodeID, payload []byte) error {
	message := updateRequest{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	state, found := s.states.Find(message.ID)
	if !found {
		return errors.Errorf(`version state "%s" not found for an update request`, message.ID)
	}
	return state.handleUpdateRequest(ctx, message)
}

func (s *Service) onUpdateResponse(ctx context.Context, _ mesh.NodeID, payload []byte) error {
	message := updateResponse{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	return s.applyUpdateResponse(ctx, message)
}

// onValidNotification runs on the owner, a cache reports that it holds
// valid data for the first time.
func (s *Service) onValidNotification(ctx context.Context, from mesh.NodeID, payload []byte) error {
	message := validNotification{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	if state, found := s.states.Find(message.ID); found {
		state.UpdateRemoteInstance(from)
	}
	return s.rt.TriggerAt(ctx, message.HandleNode, message.HandleID)
}

// onManagerRequest runs on the designated owner of the (context, tree node)
// pair. The response is deferred while the owner's own computation is still
// in flight.
func (s *Service) onManagerRequest(ctx context.Context, from mesh.NodeID, payload []byte) error {
	message := managerRequest{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	node, found := s.forest.Get(message.TreePath)
	if !found {
		return errors.Errorf(`tree node "%s" not found for a coordinator request`, message.TreePath)
	}
	mgr, err := s.Manager(message.ContextID, node)
	if err != nil {
		return err
	}
	if !mgr.isOwner {
		return errors.Errorf(`node "%s" is not the designated owner of context %d at "%s"`, s.rt.NodeID(), message.ContextID, message.TreePath)
	}
	pending, err := mgr.ensure(ctx)
	if err != nil {
		return err
	}
	respond := func(ctx context.Context) error {
		return s.rt.Endpoint().Send(ctx, from, transport.KindVersionManagerResponse, managerResponse{
			ContextID: message.ContextID,
			TreePath:  message.TreePath,
			HandleID:  message.HandleID,
			Sets:      mgr.setIDs(),
		})
	}
	if pending == nil {
		return respond(ctx)
	}
	s.rt.Queue().Defer(pending, respond)
	return nil
}

func (s *Service) onManagerResponse(ctx context.Context, _ mesh.NodeID, payload []byte) error {
	message := managerResponse{}
	if err := transport.Decode(payload, &message); err != nil {
		return err
	}
	node, found := s.forest.Get(message.TreePath)
	if !found {
		return errors.Errorf(`tree node "%s" not found for a coordinator response`, message.TreePath)
	}
	mgr, err := s.Manager(message.ContextID, node)
	if err != nil {
		return err
	}
	return mgr.install(ctx, message.Sets, message.HandleID)
}
