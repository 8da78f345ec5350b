package version

import (
	"github.com/fieldmesh/fieldmesh/internal/pkg/event"
	"github.com/fieldmesh/fieldmesh/internal/pkg/fieldmask"
	"github.com/fieldmesh/fieldmesh/internal/pkg/mesh"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/distobj"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/tree"
	"github.com/fieldmesh/fieldmesh/internal/pkg/runtime/view"
)

// RequestKind selects which part of a version state a requester needs.
type RequestKind string

const (
	// InitialRequest asks for the fields needed before any write of this version.
	InitialRequest RequestKind = "initial"
	// FinalRequest asks for the fields after the version is fully written.
	FinalRequest RequestKind = "final"
	// ChildrenRequest asks only for the recursive per-child version table.
	ChildrenRequest RequestKind = "child"
)

type stateRequest struct {
	ID distobj.ID `json:"id"`
}

type stateResponse struct {
	ID        distobj.ID `json:"id"`
	ContextID uint64     `json:"contextId"`
	Version   uint64     `json:"version"`
	TreePath  string     `json:"treePath"`
}

type maskedID struct {
	ID   distobj.ID     `json:"id"`
	Mask fieldmask.Mask `json:"mask"`
}

// wireView carries enough identity to reconstruct a view replica remotely.
type wireView struct {
	ID          distobj.ID     `json:"id"`
	Mask        fieldmask.Mask `json:"mask"`
	Kind        view.Kind      `json:"kind"`
	ReductionOp uint64         `json:"redop,omitempty"`
}

type updateRequest struct {
	ID        distobj.ID     `json:"id"`
	ContextID uint64         `json:"contextId"`
	Kind      RequestKind    `json:"kind"`
	Mask      fieldmask.Mask `json:"mask"`
	// Requester is the node the data must be sent to. It differs from the
	// message source when the owner fans a request out on a requester's behalf.
	Requester mesh.NodeID `json:"requester"`
	// The completion handle to fire once the requester has merged the data.
	HandleNode mesh.NodeID `json:"handleNode"`
	HandleID   event.ID    `json:"handleId"`
}

type updateResponse struct {
	ID         distobj.ID     `json:"id"`
	ContextID  uint64         `json:"contextId"`
	Kind       RequestKind    `json:"kind"`
	Mask       fieldmask.Mask `json:"mask"`
	HandleNode mesh.NodeID    `json:"handleNode"`
	HandleID   event.ID       `json:"handleId"`

	// Kind-dependent payload.
	Dirty      fieldmask.Mask            `json:"dirty,omitempty"`
	Reduction  fieldmask.Mask            `json:"reduction,omitempty"`
	Children   map[tree.Color][]maskedID `json:"children,omitempty"`
	Valid      []wireView                `json:"valid,omitempty"`
	Reductions []wireView                `json:"reductions,omitempty"`
}

type validNotification struct {
	ID         distobj.ID  `json:"id"`
	HandleNode mesh.NodeID `json:"handleNode"`
	HandleID   event.ID    `json:"handleId"`
}

type managerRequest struct {
	ContextID uint64   `json:"contextId"`
	TreePath  string   `json:"treePath"`
	HandleID  event.ID `json:"handleId"`
}

type managerResponse struct {
	ContextID uint64       `json:"contextId"`
	TreePath  string       `json:"treePath"`
	HandleID  event.ID     `json:"handleId"`
	Sets      []distobj.ID `json:"sets"`
}
