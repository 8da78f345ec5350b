// Package tree holds the region-tree topology: the hierarchical namespace of
// regions and partitions over which fields and versions are tracked.
//
// The package carries structure only. The dependence analysis that walks the
// tree and decides when versioning is needed lives outside this repository.
package tree

import (
	"strings"
	"sync"

	radix "github.com/armon/go-radix"

	"github.com/fieldmesh/fieldmesh/internal/pkg/utils/errors"
)

// Separator joins path segments of the hierarchical node path.
const Separator = "/"

// Color distinguishes children of one partition.
type Color uint64

// Node is a region or partition in the region tree.
type Node struct {
	path     string
	isRegion bool
	color    Color
	// expr describes the index space the node covers,
	// it is opaque to the versioning layer and travels the wire as is.
	expr string
}

func (n *Node) Path() string {
	return n.path
}

func (n *Node) IsRegion() bool {
	return n.isRegion
}

// Color returns the color of the node within its parent partition.
func (n *Node) Color() Color {
	return n.color
}

// IndexSpaceExpr returns the opaque index-space expression of the node.
func (n *Node) IndexSpaceExpr() string {
	return n.expr
}

// ParentPath returns the path of the parent node, empty for a root.
func (n *Node) ParentPath() string {
	index := strings.LastIndex(n.path, Separator)
	if index < 0 {
		return ""
	}
	return n.path[:index]
}

// Dominates reports whether the other node is the same node or a descendant.
func (n *Node) Dominates(other *Node) bool {
	return n.path == other.path || strings.HasPrefix(other.path, n.path+Separator)
}

// IntersectsWith reports whether the index spaces of the nodes overlap,
// in a tree this means that one node is an ancestor of the other.
func (n *Node) IntersectsWith(other *Node) bool {
	return n.Dominates(other) || other.Dominates(n)
}

// Forest is the registry of region-tree nodes of one runtime node.
// Every cluster node holds the same topology, it is distributed out of band.
type Forest struct {
	mu    sync.RWMutex
	nodes *radix.Tree
}

func NewForest() *Forest {
	return &Forest{nodes: radix.New()}
}

// AddRegion inserts a region node, the path must be new.
func (f *Forest) AddRegion(path string, color Color, expr string) (*Node, error) {
	return f.add(&Node{path: path, isRegion: true, color: color, expr: expr})
}

// AddPartition inserts a partition node, the path must be new.
func (f *Forest) AddPartition(path string, color Color, expr string) (*Node, error) {
	return f.add(&Node{path: path, isRegion: false, color: color, expr: expr})
}

func (f *Forest) add(node *Node) (*Node, error) {
	if node.path == "" {
		return nil, errors.New("node path cannot be empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, found := f.nodes.Get(node.path); found {
		return nil, errors.Errorf(`tree node "%s" already exists`, node.path)
	}
	f.nodes.Insert(node.path, node)
	return node, nil
}

func (f *Forest) Get(path string) (*Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	value, found := f.nodes.Get(path)
	if !found {
		return nil, false
	}
	return value.(*Node), true
}

func (f *Forest) MustGet(path string) *Node {
	node, found := f.Get(path)
	if !found {
		panic(errors.Errorf(`tree node "%s" not found`, path))
	}
	return node
}

// Parent returns the parent node, nil for a root.
func (f *Forest) Parent(node *Node) *Node {
	parentPath := node.ParentPath()
	if parentPath == "" {
		return nil
	}
	parent, _ := f.Get(parentPath)
	return parent
}

// Subtree returns the node and all its descendants in path order.
func (f *Forest) Subtree(path string) []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := []*Node{}
	f.nodes.WalkPrefix(path, func(key string, value any) bool {
		if key == path || strings.HasPrefix(key, path+Separator) {
			out = append(out, value.(*Node))
		}
		return false
	})
	return out
}

// Children returns the direct children of the node.
func (f *Forest) Children(node *Node) []*Node {
	prefix := node.path + Separator
	out := []*Node{}
	for _, candidate := range f.Subtree(node.path) {
		rest := strings.TrimPrefix(candidate.path, prefix)
		if candidate.path != node.path && !strings.Contains(rest, Separator) {
			out = append(out, candidate)
		}
	}
	return out
}

func (f *Forest) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nodes.Len()
}
