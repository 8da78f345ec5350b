// Package mesh describes the cluster of runtime nodes (address spaces)
// and assigns an owner node to each distributed key.
package mesh

import (
	"sort"

	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// NodeID identifies a runtime node (one address space) in the cluster.
type NodeID string

// NodeIndex is a dense index of the node in the roster,
// it is embedded into distributed object IDs.
type NodeIndex uint16

// Roster is the fixed list of cluster nodes.
//
// Node discovery is intentionally static: the versioning layer assumes a
// reliable, fully connected cluster, membership changes are handled by the
// outer runtime by resetting the affected coordinators.
type Roster struct {
	nodes   []NodeID
	indexes map[NodeID]NodeIndex
}

func NewRoster(nodes ...NodeID) (*Roster, error) {
	if len(nodes) == 0 {
		return nil, errors.New("roster must contain at least one node")
	}
	sorted := make([]NodeID, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	indexes := make(map[NodeID]NodeIndex, len(sorted))
	for i, id := range sorted {
		if _, found := indexes[id]; found {
			return nil, errors.Errorf(`duplicate node "%s" in the roster`, id)
		}
		indexes[id] = NodeIndex(i)
	}
	return &Roster{nodes: sorted, indexes: indexes}, nil
}

func (r *Roster) Nodes() []NodeID {
	out := make([]NodeID, len(r.nodes))
	copy(out, r.nodes)
	return out
}

func (r *Roster) Len() int {
	return len(r.nodes)
}

func (r *Roster) Contains(id NodeID) bool {
	_, found := r.indexes[id]
	return found
}

func (r *Roster) IndexOf(id NodeID) (NodeIndex, error) {
	index, found := r.indexes[id]
	if !found {
		return 0, errors.Errorf(`node "%s" is not in the roster`, id)
	}
	return index, nil
}

func (r *Roster) ByIndex(index NodeIndex) (NodeID, error) {
	if int(index) >= len(r.nodes) {
		return "", errors.Errorf(`node index "%d" is out of range`, index)
	}
	return r.nodes[index], nil
}
