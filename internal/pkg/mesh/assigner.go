package mesh

import (
	"fmt"
	"sync"

	"github.com/lafikl/consistent"

	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Assigner locally assigns the owner node for a key, see OwnerFor and IsOwner.
//
// The consistent hashing pattern is used for the assignment, so every node
// computes the same owner for the same key without any coordination.
// The owner of versioning data for a (context, region-tree node) pair
// is a pure function of the key, as the protocol requires.
type Assigner struct {
	nodeID NodeID
	mutex  *sync.RWMutex
	ring   *consistent.Consistent
}

func NewAssigner(nodeID NodeID, roster *Roster) (*Assigner, error) {
	if !roster.Contains(nodeID) {
		return nil, errors.Errorf(`local node "%s" is not in the roster`, nodeID)
	}
	ring := consistent.New()
	for _, node := range roster.Nodes() {
		ring.Add(string(node))
	}
	return &Assigner{nodeID: nodeID, mutex: &sync.RWMutex{}, ring: ring}, nil
}

// NodeID returns ID of the current node.
func (a *Assigner) NodeID() NodeID {
	return a.nodeID
}

// OwnerFor returns ID of the key's owner node.
func (a *Assigner) OwnerFor(key string) (NodeID, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	node, err := a.ring.Get(key)
	if err != nil {
		return "", errors.Wrapf(err, `cannot assign owner for key "%s"`, key)
	}
	return NodeID(node), nil
}

// MustGetOwnerFor returns ID of the key's owner node, it panics if the ring is empty.
func (a *Assigner) MustGetOwnerFor(key string) NodeID {
	node, err := a.OwnerFor(key)
	if err != nil {
		panic(err)
	}
	return node
}

// IsOwner returns true if the local node owns the key.
func (a *Assigner) IsOwner(key string) (bool, error) {
	node, err := a.OwnerFor(key)
	if err != nil {
		return false, err
	}
	return node == a.nodeID, nil
}

// VersionOwnerKey builds the assignment key for versioning data
// of the region-tree node within the logical context.
func VersionOwnerKey(contextID uint64, treePath string) string {
	return fmt.Sprintf("version/%d/%s", contextID, treePath)
}
