package filesystem

import (
	"sync"

	"github.com/brettbedarf/mountfs"
)

// Inode caches the backend attributes of a node. The cache is filled from
// lookup results and Stat calls and dropped on any mutation through the core.
type Inode struct {
	attr  mountfs.Attr
	valid bool
	mu    sync.RWMutex
}

func NewInode(attr mountfs.Attr) *Inode {
	return &Inode{attr: attr, valid: attr.Mode != 0}
}

// CachedAttr returns a copy of the cached attributes if they are still valid
func (i *Inode) CachedAttr() (mountfs.Attr, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.attr, i.valid
}

// StoreAttr replaces the cached attributes
func (i *Inode) StoreAttr(attr mountfs.Attr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attr = attr
	i.valid = true
}

// Invalidate forces the next stat to reach the backend
func (i *Inode) Invalidate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.valid = false
}
