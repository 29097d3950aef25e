package filesystem

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/brettbedarf/mountfs"
)

// NodeID indexes a [Node] in the arena. IDs are never reused for the lifetime
// of a [FileSystem].
type NodeID = uint64

// RootID is the NodeID of the tree root
const RootID NodeID = 1

type Node struct {
	id      NodeID
	kind    mountfs.NodeKind
	backend mountfs.Backend // owner of the node's content
	key     mountfs.Key     // backend-private identity
	arena   *arena

	// foreign nodes were attached by a cross-backend create and are unknown to
	// the parent directory's backend
	foreign bool
	cover   *Mount // innermost mount containing the node; nil under the root backend
	mount   *Mount // set when the node is the root of a mount

	mu     sync.RWMutex // protects name and parent
	name   string
	parent NodeID

	dirMu    sync.RWMutex             // protects children and pending (directories)
	children map[string]NodeID        // published child names
	pending  map[string]chan struct{} // in-flight backend calls by name; "" reserves the whole dir
	removals uint64                   // bumped whenever a published name goes away

	openCount int         // open file descriptions; protected by FileSystem.fdMu
	unlinked  atomic.Bool // set under FileSystem.fdMu
	*Inode
}

func newNode(a *arena, kind mountfs.NodeKind, b mountfs.Backend, e mountfs.Entry) *Node {
	n := &Node{
		kind:    kind,
		backend: b,
		key:     e.Key,
		arena:   a,
		Inode:   NewInode(e.Attr),
	}
	if kind == mountfs.KindDir {
		n.children = make(map[string]NodeID)
		n.pending = make(map[string]chan struct{})
	}
	return n
}

// NodeID returns the arena index of the node
func (n *Node) NodeID() uint64 {
	return n.id
}

// Name returns the node's current name (last part of the path)
func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) Kind() mountfs.NodeKind {
	return n.kind
}

func (n *Node) Backend() mountfs.Backend {
	return n.backend
}

func (n *Node) IsDir() bool {
	return n.kind == mountfs.KindDir
}

func (n *Node) IsRoot() bool {
	return n.id == RootID
}

// IsDel returns true if the node was unlinked (it may still be open)
func (n *Node) IsDel() bool {
	return n.unlinked.Load()
}

// Parent returns the parent's NodeID. The root is its own parent, as is the
// root of a mount whose parent is the mount point's parent.
func (n *Node) Parent() NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Path returns the absolute path of the node.
//
// Returns an error if the node or an ancestor was unlinked
func (n *Node) Path() (string, error) {
	var parts []string
	cur := n
	for !cur.IsRoot() {
		if cur.IsDel() {
			return "", fmt.Errorf("deleted node: %s", cur.Name())
		}
		cur.mu.RLock()
		name, pid := cur.name, cur.parent
		cur.mu.RUnlock()
		parts = append(parts, name)
		p, ok := n.arena.load(pid)
		if !ok {
			return "", fmt.Errorf("detached node: %s", name)
		}
		cur = p
	}
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(parts[i])
	}
	if sb.Len() == 0 {
		return "/", nil
	}
	return sb.String(), nil
}

// setLink moves the node under parent with a new name.
// Caller must hold the parent directories' dirMu.
func (n *Node) setLink(parent NodeID, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.parent = parent
	n.name = name
}

// hasForeignChildLocked reports whether a child is unknown to the node's own
// backend. Caller must hold n.dirMu.
func (n *Node) hasForeignChildLocked() bool {
	for _, id := range n.children {
		if ch, ok := n.arena.load(id); ok && ch.foreign {
			return true
		}
	}
	return false
}

var _ mountfs.NodeInfo = (*Node)(nil)
