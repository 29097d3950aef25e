package filesystem

import "slices"

// NodeContext holds the directory locks of one or more [Node]s.
// Directories are always locked in ascending NodeID order so two operations
// touching the same pair cannot deadlock.
// Calling NodeContext.Close() unwinds all unlocking/cleanup callbacks in reverse order.
//
// NOTE: NodeContext itself is **not** thread-safe meaning references
// to it should not be shared between goroutines
type NodeContext struct {
	nodes    []*Node
	closeFns []func()
}

// LockDirs write-locks the child maps of the given directories. Duplicates are
// locked once.
func LockDirs(dirs ...*Node) *NodeContext {
	sorted := slices.Clone(dirs)
	slices.SortFunc(sorted, func(a, b *Node) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	sorted = slices.CompactFunc(sorted, func(a, b *Node) bool { return a == b })

	ctx := &NodeContext{nodes: sorted}
	for _, d := range sorted {
		d.dirMu.Lock()
		ctx.AddClose(d.dirMu.Unlock)
	}
	return ctx
}

// RLockDir read-locks a single directory's child map
func RLockDir(dir *Node) *NodeContext {
	dir.dirMu.RLock()
	ctx := &NodeContext{nodes: []*Node{dir}}
	ctx.AddClose(dir.dirMu.RUnlock)
	return ctx
}

// Child returns the published child of dir. dir must be held by the context.
func (ctx *NodeContext) Child(dir *Node, name string) (NodeID, bool) {
	id, ok := dir.children[name]
	return id, ok
}

// Pending returns the reservation blocking name in dir, including a
// whole-directory reservation.
func (ctx *NodeContext) Pending(dir *Node, name string) (chan struct{}, bool) {
	if ch, ok := dir.pending[""]; ok {
		return ch, true
	}
	ch, ok := dir.pending[name]
	return ch, ok
}

// Reserve registers an in-flight backend call for name in dir. Release must
// be called with the returned channel once the call completed.
func (ctx *NodeContext) Reserve(dir *Node, name string) chan struct{} {
	ch := make(chan struct{})
	dir.pending[name] = ch
	return ch
}

// Release drops a reservation and wakes all waiters
func (ctx *NodeContext) Release(dir *Node, name string, ch chan struct{}) {
	if dir.pending[name] == ch {
		delete(dir.pending, name)
	}
	close(ch)
}

// Remove unpublishes name from dir
func (ctx *NodeContext) Remove(dir *Node, name string) {
	delete(dir.children, name)
	dir.removals++
}

// Removals returns how many names were unpublished from dir so far. A name a
// backend reported while a removal happened may already be gone.
func (ctx *NodeContext) Removals(dir *Node) uint64 {
	return dir.removals
}

// AddClose pushes a cleanup callback (e.g., unlock) onto the end of the stack.
func (ctx *NodeContext) AddClose(fn func()) {
	ctx.closeFns = append(ctx.closeFns, fn)
}

// Close unwinds all cleanup callbacks in reverse order.
// Safe to call even if ctx is nil or no locks were acquired; it is
// a no-op in those cases, so you can `defer ctx.Close()` unconditionally.
//
// Example:
//
//	lk := LockDirs(oldParent, newParent)
//	defer lk.Close()
func (ctx *NodeContext) Close() {
	if ctx == nil {
		return
	}
	for i := len(ctx.closeFns) - 1; i >= 0; i-- {
		ctx.closeFns[i]()
	}
	ctx.closeFns = nil
}
