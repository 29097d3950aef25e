package filesystem

import (
	"context"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
)

// Mount routes the subtree below a directory to a backend's root.
// For mounts created with [FileSystem.Mount] the point is an existing
// directory whose children are shadowed until unmount. Directories attached
// by a cross-backend [FileSystem.CreateDirectory] are their own point.
type Mount struct {
	point    *Node
	root     *Node
	backend  mountfs.Backend
	outer    *Mount // mount containing the point; nil under the root backend
	detached bool   // protected by FileSystem.fdMu
}

func (m *Mount) Backend() mountfs.Backend { return m.backend }

// Path returns the mount point path
func (m *Mount) Path() (string, error) { return m.point.Path() }

// within reports whether n lies in the subtree of m
func (m *Mount) within(n *Node) bool {
	return n.cover == m
}

// Mount attaches b at the existing directory p. Entries already under p are
// hidden until [FileSystem.Unmount]. Fails with EBUSY while a descriptor or
// the working directory is at or below p.
func (fs *FileSystem) Mount(ctx context.Context, p string, b mountfs.Backend) error {
	logger := util.GetLogger("FS.Mount")

	// backend calls happen before the mount table is locked
	d, err := fs.resolve(ctx, p, true)
	if err != nil {
		return err
	}
	if !d.IsDir() {
		return mountfs.ENOTDIR
	}
	if d.IsRoot() || d.mount != nil {
		return mountfs.EBUSY
	}
	e, err := b.Root(ctx)
	if err != nil {
		return errnoOf(err)
	}
	if e.Attr.Mode != 0 && !e.Attr.IsDir() {
		return mountfs.ENOTDIR
	}
	e.Attr.Mode = mountfs.ModeDir | e.Attr.Mode&mountfs.ModePerm

	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()

	if _, ok := fs.mounts.Load(d.id); ok {
		return mountfs.EBUSY
	}

	m := &Mount{point: d, backend: b, outer: d.cover}
	r := newNode(fs.arena, mountfs.KindDir, b, e)
	d.mu.RLock()
	r.name, r.parent = d.name, d.parent
	d.mu.RUnlock()
	r.cover = m
	r.mount = m
	m.root = r

	fs.fdMu.Lock()
	if d.IsDel() || (d.cover != nil && d.cover.detached) {
		fs.fdMu.Unlock()
		return mountfs.ENOENT
	}
	for _, f := range fs.files {
		if f != nil && fs.isWithin(f.node, d) {
			fs.fdMu.Unlock()
			return mountfs.EBUSY
		}
	}
	if fs.isWithin(fs.cwd, d) {
		fs.fdMu.Unlock()
		return mountfs.EBUSY
	}
	fs.arena.add(r)
	fs.mounts.Store(d.id, m)
	fs.fdMu.Unlock()

	logger.Info().Str("path", p).Str("backend", b.Kind()).Msg("Mounted backend")
	return nil
}

// Unmount detaches the backend mounted at p and restores the shadowed
// directory. Fails with EBUSY while a descriptor or the working directory is
// inside the mount or another mount is nested in it.
func (fs *FileSystem) Unmount(ctx context.Context, p string) error {
	logger := util.GetLogger("FS.Unmount")

	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()

	n, err := fs.resolve(ctx, p, true)
	if err != nil {
		return err
	}
	m := n.mount
	if m == nil {
		return mountfs.EINVAL
	}

	nested := false
	fs.mounts.Range(func(_ NodeID, other *Mount) bool {
		nested = other.outer == m
		return !nested
	})
	if nested {
		return mountfs.EBUSY
	}

	fs.fdMu.Lock()
	for _, f := range fs.files {
		if f != nil && m.within(f.node) {
			fs.fdMu.Unlock()
			return mountfs.EBUSY
		}
	}
	if m.within(fs.cwd) {
		fs.fdMu.Unlock()
		return mountfs.EBUSY
	}
	m.detached = true
	fs.mounts.Delete(m.point.id)
	fs.fdMu.Unlock()

	if m.point == m.root {
		// attached directory: drop the core-only entry from its parent
		parent := fs.parentOf(m.point)
		lk := LockDirs(parent)
		name := m.point.Name()
		if id, ok := lk.Child(parent, name); ok && id == m.point.id {
			lk.Remove(parent, name)
		}
		lk.Close()
		m.point.unlinked.Store(true)
	}

	purged := 0
	fs.arena.rangeNodes(func(x *Node) bool {
		if m.within(x) {
			fs.arena.remove(x.id)
			purged++
		}
		return true
	})
	logger.Info().Str("path", p).Int("purged", purged).Msg("Unmounted backend")
	return nil
}

// Mounts returns the active mounts
func (fs *FileSystem) Mounts() []*Mount {
	var out []*Mount
	fs.mounts.Range(func(_ NodeID, m *Mount) bool {
		out = append(out, m)
		return true
	})
	return out
}

// isWithin reports whether n is anc or one of its descendants
func (fs *FileSystem) isWithin(n, anc *Node) bool {
	for cur := n; ; {
		if cur == anc {
			return true
		}
		if cur.IsRoot() {
			return false
		}
		p, ok := fs.arena.load(cur.Parent())
		if !ok {
			return false
		}
		cur = p
	}
}

// BackendByPath returns the backend that serves p. For a mount point this is
// the mounted backend.
func (fs *FileSystem) BackendByPath(ctx context.Context, p string) (mountfs.Backend, error) {
	n, err := fs.resolve(ctx, p, true)
	if err != nil {
		return nil, err
	}
	return n.backend, nil
}
