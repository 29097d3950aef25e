// Package memory provides the in-memory reference backend. It is the default
// root backend and the model other backends are checked against.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brettbedarf/mountfs"
)

const rootID uint64 = 1

// node is a file, directory or symlink stored by the backend. Nodes live in
// the backend's arena keyed by id; directories reference children by id.
type node struct {
	id      uint64
	mode    uint32
	entries map[string]uint64 // directories only
	target  string            // symlinks only
	nlink   uint32
	atime   time.Time
	mtime   time.Time
	ctime   time.Time

	dataMu sync.RWMutex // serializes file content access
	data   []byte
	size   atomic.Int64 // len(data), readable without dataMu
}

func newNode(id uint64, mode uint32) *node {
	now := time.Now()
	n := &node{id: id, mode: mode, nlink: 1, atime: now, mtime: now, ctime: now}
	if mountfs.KindOf(mode) == mountfs.KindDir {
		n.entries = make(map[string]uint64)
		n.nlink = 2
	}
	return n
}

func (n *node) attrLocked() mountfs.Attr {
	size := n.size.Load()
	switch mountfs.KindOf(n.mode) {
	case mountfs.KindDir:
		size = int64(len(n.entries))
	case mountfs.KindSymlink:
		size = int64(len(n.target))
	}
	return mountfs.Attr{
		Mode:  n.mode,
		Size:  size,
		Nlink: n.nlink,
		Atime: n.atime,
		Mtime: n.mtime,
		Ctime: n.ctime,
	}
}

// Backend keeps the whole tree in process memory.
// Keys handed to the core are the uint64 node ids.
type Backend struct {
	id     mountfs.BackendID
	mu     sync.RWMutex // protects nodes, entries and metadata
	nodes  map[uint64]*node
	lastID uint64
}

// New creates an empty in-memory backend with a root directory
func New() *Backend {
	b := &Backend{
		id:     mountfs.NewBackendID(),
		nodes:  make(map[uint64]*node),
		lastID: rootID,
	}
	b.nodes[rootID] = newNode(rootID, mountfs.ModeDir|0o777)
	return b
}

// Constructor adapts [New] to [mountfs.Constructor]; arg is ignored
func Constructor(any) (mountfs.Backend, error) {
	return New(), nil
}

func (b *Backend) ID() mountfs.BackendID { return b.id }

func (b *Backend) Kind() string { return "memory" }

func (b *Backend) Root(ctx context.Context) (mountfs.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	root := b.nodes[rootID]
	return mountfs.Entry{Name: "", Key: rootID, Attr: root.attrLocked()}, nil
}

func keyOf(k mountfs.Key) (uint64, bool) {
	id, ok := k.(uint64)
	return id, ok
}

// getLocked returns the node for a key. Caller must hold b.mu.
func (b *Backend) getLocked(k mountfs.Key) (*node, error) {
	id, ok := keyOf(k)
	if !ok {
		return nil, mountfs.EINVAL
	}
	n, ok := b.nodes[id]
	if !ok {
		return nil, mountfs.ENOENT
	}
	return n, nil
}

// dirLocked returns the directory node for a key. Caller must hold b.mu.
func (b *Backend) dirLocked(k mountfs.Key) (*node, error) {
	n, err := b.getLocked(k)
	if err != nil {
		return nil, err
	}
	if n.entries == nil {
		return nil, mountfs.ENOTDIR
	}
	return n, nil
}

func (b *Backend) Lookup(ctx context.Context, dir mountfs.Key, name string) (mountfs.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, err := b.dirLocked(dir)
	if err != nil {
		return mountfs.Entry{}, err
	}
	id, ok := d.entries[name]
	if !ok {
		return mountfs.Entry{}, mountfs.ENOENT
	}
	return mountfs.Entry{Name: name, Key: id, Attr: b.nodes[id].attrLocked()}, nil
}

// insertLocked allocates a node and links it under dir (if any).
// Caller must hold b.mu exclusively.
func (b *Backend) insertLocked(dir mountfs.Key, name string, mode uint32) (mountfs.Entry, *node, error) {
	var d *node
	if dir != nil {
		var err error
		if d, err = b.dirLocked(dir); err != nil {
			return mountfs.Entry{}, nil, err
		}
		if _, exists := d.entries[name]; exists {
			return mountfs.Entry{}, nil, mountfs.EEXIST
		}
	}
	b.lastID++
	n := newNode(b.lastID, mode)
	b.nodes[n.id] = n
	if d != nil {
		d.entries[name] = n.id
		d.mtime = n.ctime
		if n.entries != nil {
			d.nlink++
		}
	}
	return mountfs.Entry{Name: name, Key: n.id, Attr: n.attrLocked()}, n, nil
}

func (b *Backend) Create(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, _, err := b.insertLocked(dir, name, mountfs.ModeFile|mode&mountfs.ModePerm)
	return e, err
}

func (b *Backend) Mkdir(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	if dir == nil {
		return mountfs.Entry{}, mountfs.EINVAL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	e, _, err := b.insertLocked(dir, name, mountfs.ModeDir|mode&mountfs.ModePerm)
	return e, err
}

func (b *Backend) Symlink(ctx context.Context, dir mountfs.Key, name string, target string) (mountfs.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, n, err := b.insertLocked(dir, name, mountfs.ModeSymlink|0o777)
	if err != nil {
		return e, err
	}
	n.target = target
	e.Attr = n.attrLocked()
	return e, nil
}

func (b *Backend) Readlink(ctx context.Context, key mountfs.Key) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.getLocked(key)
	if err != nil {
		return "", err
	}
	if mountfs.KindOf(n.mode) != mountfs.KindSymlink {
		return "", mountfs.EINVAL
	}
	return n.target, nil
}

func (b *Backend) Open(ctx context.Context, key mountfs.Key, flags int) (mountfs.Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.getLocked(key)
	if err != nil {
		return nil, err
	}
	if n.entries != nil {
		return nil, mountfs.EISDIR
	}
	return &handle{b: b, n: n}, nil
}

func (b *Backend) Truncate(ctx context.Context, key mountfs.Key, size int64) error {
	if size < 0 {
		return mountfs.EINVAL
	}
	b.mu.RLock()
	n, err := b.getLocked(key)
	b.mu.RUnlock()
	if err != nil {
		return err
	}
	if n.entries != nil {
		return mountfs.EISDIR
	}
	n.dataMu.Lock()
	n.data = resize(n.data, size)
	n.size.Store(size)
	n.dataMu.Unlock()
	b.touch(n)
	return nil
}

func (b *Backend) touch(n *node) {
	b.mu.Lock()
	n.mtime = time.Now()
	n.ctime = n.mtime
	b.mu.Unlock()
}

func resize(data []byte, size int64) []byte {
	if size <= int64(len(data)) {
		return data[:size]
	}
	return append(data, make([]byte, size-int64(len(data)))...)
}

func (b *Backend) Rename(ctx context.Context, key mountfs.Key, oldDir mountfs.Key, oldName string, newDir mountfs.Key, newName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	od, err := b.dirLocked(oldDir)
	if err != nil {
		return err
	}
	nd, err := b.dirLocked(newDir)
	if err != nil {
		return err
	}
	id, ok := od.entries[oldName]
	if !ok || (key != nil && id != key) {
		return mountfs.ENOENT
	}
	src := b.nodes[id]
	if src.entries != nil && b.isAncestorLocked(id, nd.id) {
		return mountfs.EINVAL
	}
	if tid, exists := nd.entries[newName]; exists {
		if tid == id {
			return nil
		}
		dst := b.nodes[tid]
		switch {
		case src.entries != nil && dst.entries == nil:
			return mountfs.ENOTDIR
		case src.entries == nil && dst.entries != nil:
			return mountfs.EISDIR
		case dst.entries != nil && len(dst.entries) > 0:
			return mountfs.ENOTEMPTY
		}
		// Replaced target keeps its storage until the core reclaims it
		dst.nlink = 0
		if dst.entries != nil {
			nd.nlink--
		}
	}
	delete(od.entries, oldName)
	nd.entries[newName] = id
	if src.entries != nil && od != nd {
		od.nlink--
		nd.nlink++
	}
	now := time.Now()
	od.mtime, nd.mtime, src.ctime = now, now, now
	return nil
}

// isAncestorLocked reports whether dir id anc is an ancestor of (or equal
// to) id. Caller must hold b.mu.
func (b *Backend) isAncestorLocked(anc, id uint64) bool {
	if anc == id {
		return true
	}
	for _, n := range b.nodes {
		if n.entries == nil {
			continue
		}
		for _, cid := range n.entries {
			if cid == id {
				return b.isAncestorLocked(anc, n.id)
			}
		}
	}
	return false
}

func (b *Backend) Unlink(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir == nil {
		// detached file: no directory entry to drop
		n, err := b.getLocked(key)
		if err != nil {
			return err
		}
		n.nlink = 0
		return nil
	}
	d, err := b.dirLocked(dir)
	if err != nil {
		return err
	}
	id, ok := d.entries[name]
	if !ok {
		return mountfs.ENOENT
	}
	n := b.nodes[id]
	if n.entries != nil {
		return mountfs.EISDIR
	}
	delete(d.entries, name)
	n.nlink = 0
	d.mtime = time.Now()
	return nil
}

func (b *Backend) Rmdir(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, err := b.dirLocked(dir)
	if err != nil {
		return err
	}
	id, ok := d.entries[name]
	if !ok {
		return mountfs.ENOENT
	}
	n := b.nodes[id]
	if n.entries == nil {
		return mountfs.ENOTDIR
	}
	if len(n.entries) > 0 {
		return mountfs.ENOTEMPTY
	}
	delete(d.entries, name)
	d.nlink--
	n.nlink = 0
	d.mtime = time.Now()
	return nil
}

func (b *Backend) ReadDir(ctx context.Context, dir mountfs.Key) ([]mountfs.DirEntry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, err := b.dirLocked(dir)
	if err != nil {
		return nil, err
	}
	out := make([]mountfs.DirEntry, 0, len(d.entries))
	for name, id := range d.entries {
		out = append(out, mountfs.DirEntry{Name: name, Kind: mountfs.KindOf(b.nodes[id].mode)})
	}
	slices.SortFunc(out, func(a, b mountfs.DirEntry) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (b *Backend) Stat(ctx context.Context, key mountfs.Key) (mountfs.Attr, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, err := b.getLocked(key)
	if err != nil {
		return mountfs.Attr{}, err
	}
	return n.attrLocked(), nil
}

func (b *Backend) Reclaim(ctx context.Context, key mountfs.Key) error {
	id, ok := keyOf(key)
	if !ok {
		return mountfs.EINVAL
	}
	if id == rootID {
		return mountfs.EBUSY
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if n, ok := b.nodes[id]; ok && n.nlink == 0 {
		delete(b.nodes, id)
	}
	return nil
}

// Len returns the number of stored nodes including the root and any unlinked
// nodes not yet reclaimed
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// handle performs I/O directly on the node's byte slice
type handle struct {
	b *Backend
	n *node
}

func (h *handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, mountfs.EINVAL
	}
	h.n.dataMu.RLock()
	defer h.n.dataMu.RUnlock()
	if off >= int64(len(h.n.data)) {
		return 0, nil
	}
	return copy(p, h.n.data[off:]), nil
}

func (h *handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, mountfs.EINVAL
	}
	h.n.dataMu.Lock()
	end := off + int64(len(p))
	if end > int64(len(h.n.data)) {
		h.n.data = resize(h.n.data, end)
		h.n.size.Store(end)
	}
	copy(h.n.data[off:], p)
	h.n.dataMu.Unlock()
	h.b.touch(h.n)
	return len(p), nil
}

func (h *handle) Close(ctx context.Context) error {
	return nil
}

var (
	_ mountfs.Backend = (*Backend)(nil)
	_ mountfs.Linker  = (*Backend)(nil)
)
