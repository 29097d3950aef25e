package filesystem

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

// arena owns every live [Node]. Relations between nodes (parent, children)
// are NodeIDs resolved through it.
type arena struct {
	nodes  *xsync.Map[NodeID, *Node]
	lastID atomic.Uint64
}

func newArena() *arena {
	return &arena{nodes: xsync.NewMap[NodeID, *Node]()}
}

// add assigns the next NodeID to n and stores it
func (a *arena) add(n *Node) NodeID {
	n.id = a.lastID.Add(1)
	a.nodes.Store(n.id, n)
	return n.id
}

func (a *arena) load(id NodeID) (*Node, bool) {
	return a.nodes.Load(id)
}

// mustLoad returns a node referenced by a live relation. A missing node means
// the tree is corrupt.
func (a *arena) mustLoad(id NodeID) *Node {
	n, ok := a.nodes.Load(id)
	if !ok {
		panic("filesystem: dangling node reference")
	}
	return n
}

func (a *arena) remove(id NodeID) {
	a.nodes.Delete(id)
}

func (a *arena) size() int {
	return a.nodes.Size()
}

// rangeNodes calls fn for every node until fn returns false
func (a *arena) rangeNodes(fn func(n *Node) bool) {
	a.nodes.Range(func(_ NodeID, n *Node) bool {
		return fn(n)
	})
}
