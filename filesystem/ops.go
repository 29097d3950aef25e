package filesystem

import (
	"context"
	"errors"
	"path"
	"slices"
	"strings"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
)

// childSpec describes how to materialize a new child in a directory
type childSpec struct {
	backend mountfs.Backend // owner of the new node
	foreign bool            // unknown to the parent's backend
	mount   *Mount          // attach as the root of this mount
	build   func(ctx context.Context) (mountfs.Entry, error)
}

// createChild reserves name in dir, runs spec.build without holding any lock
// and publishes the result. Exactly one of several concurrent creators of a
// name succeeds; the others get EEXIST.
func (fs *FileSystem) createChild(ctx context.Context, dir *Node, name string, spec childSpec) (*Node, error) {
	for {
		lk := LockDirs(dir)
		if _, ok := lk.Child(dir, name); ok {
			lk.Close()
			return nil, mountfs.EEXIST
		}
		if ch, ok := lk.Pending(dir, name); ok {
			lk.Close()
			if err := wait(ctx, ch); err != nil {
				return nil, err
			}
			continue
		}
		if dir.IsDel() {
			lk.Close()
			return nil, mountfs.ENOENT
		}
		ch := lk.Reserve(dir, name)
		lk.Close()

		e, err := spec.build(ctx)

		lk = LockDirs(dir)
		lk.Release(dir, name, ch)
		if err != nil {
			lk.Close()
			return nil, errnoOf(err)
		}
		pubName := name
		if !spec.foreign && e.Name != "" {
			pubName = e.Name
		}
		// a differently spelled name may still be held by a removal
		for pubName != name {
			other, ok := lk.Pending(dir, pubName)
			if !ok {
				break
			}
			lk.Close()
			if err := wait(ctx, other); err != nil {
				return nil, err
			}
			lk = LockDirs(dir)
		}
		defer lk.Close()
		if _, ok := lk.Child(dir, pubName); ok {
			// a differently spelled name resolved to an entry already published
			return nil, mountfs.EEXIST
		}
		if spec.mount != nil {
			e.Attr.Mode = mountfs.ModeDir | e.Attr.Mode&mountfs.ModePerm
		}
		return fs.adoptLocked(dir, pubName, spec.backend, e, spec.foreign, spec.mount), nil
	}
}

// CreateFile creates a regular file at p. When b is nil or the backend
// already serving the parent directory the file is created there; otherwise
// b stores the file while the core links it into the tree.
func (fs *FileSystem) CreateFile(ctx context.Context, p string, mode uint32, b mountfs.Backend) (*Node, error) {
	logger := util.GetLogger("FS.CreateFile")

	dir, name, err := fs.resolveParent(ctx, p)
	if err != nil {
		return nil, err
	}
	mode &= mountfs.ModePerm

	spec := childSpec{backend: dir.backend}
	if b == nil || b == dir.backend {
		spec.build = func(ctx context.Context) (mountfs.Entry, error) {
			return dir.backend.Create(ctx, dir.key, name, mode)
		}
	} else {
		spec.backend = b
		spec.foreign = true
		spec.build = func(ctx context.Context) (mountfs.Entry, error) {
			return b.Create(ctx, nil, name, mode)
		}
	}
	n, err := fs.createChild(ctx, dir, name, spec)
	if err != nil {
		logger.Debug().Err(err).Str("path", p).Msg("Create failed")
		return nil, err
	}
	dir.Invalidate()
	logger.Debug().Str("path", p).Str("backend", n.backend.Kind()).Bool("foreign", n.foreign).Msg("Created file")
	return n, nil
}

// Mkdir creates a directory at p in the backend serving the parent
func (fs *FileSystem) Mkdir(ctx context.Context, p string, mode uint32) (*Node, error) {
	return fs.CreateDirectory(ctx, p, mode, nil)
}

// CreateDirectory creates a directory at p. With a backend other than the
// one serving the parent, b's root is attached at p instead and everything
// below p is served by b.
func (fs *FileSystem) CreateDirectory(ctx context.Context, p string, mode uint32, b mountfs.Backend) (*Node, error) {
	logger := util.GetLogger("FS.CreateDirectory")

	dir, name, err := fs.resolveParent(ctx, p)
	if err != nil {
		return nil, err
	}
	mode &= mountfs.ModePerm

	if b == nil || b == dir.backend {
		n, err := fs.createChild(ctx, dir, name, childSpec{
			backend: dir.backend,
			build: func(ctx context.Context) (mountfs.Entry, error) {
				return dir.backend.Mkdir(ctx, dir.key, name, mode)
			},
		})
		if err != nil {
			return nil, err
		}
		dir.Invalidate()
		logger.Trace().Str("path", p).Msg("Created directory")
		return n, nil
	}

	e, err := b.Root(ctx)
	if err != nil {
		return nil, errnoOf(err)
	}
	if e.Attr.Mode != 0 && !e.Attr.IsDir() {
		return nil, mountfs.ENOTDIR
	}
	m := &Mount{backend: b, outer: dir.cover}
	n, err := fs.createChild(ctx, dir, name, childSpec{
		backend: b,
		foreign: true,
		mount:   m,
		build: func(context.Context) (mountfs.Entry, error) {
			return e, nil
		},
	})
	if err != nil {
		return nil, err
	}
	m.point, m.root = n, n

	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()
	fs.fdMu.Lock()
	gone := m.outer != nil && m.outer.detached
	fs.fdMu.Unlock()
	if gone {
		// the enclosing mount went away while b was attached
		fs.arena.remove(n.id)
		return nil, mountfs.ENOENT
	}
	fs.mounts.Store(n.id, m)
	logger.Info().Str("path", p).Str("backend", b.Kind()).Msg("Attached backend directory")
	return n, nil
}

// MkdirAll creates p and any missing parents. Existing directories are fine.
func (fs *FileSystem) MkdirAll(ctx context.Context, p string, mode uint32) error {
	comps, err := splitPath(p)
	if err != nil {
		return err
	}
	prefix := ""
	if strings.HasPrefix(p, "/") {
		prefix = "/"
	}
	for _, c := range comps {
		prefix = path.Join(prefix, c)
		if c == "." || c == ".." {
			continue
		}
		_, err := fs.Mkdir(ctx, prefix, mode)
		if err == nil {
			continue
		}
		if !errors.Is(err, mountfs.EEXIST) {
			return err
		}
		n, err := fs.resolve(ctx, prefix, true)
		if err != nil {
			return err
		}
		if !n.IsDir() {
			return mountfs.ENOTDIR
		}
	}
	return nil
}

// Symlink creates a symbolic link at p pointing to target
func (fs *FileSystem) Symlink(ctx context.Context, target, p string) (*Node, error) {
	if target == "" {
		return nil, mountfs.ENOENT
	}
	dir, name, err := fs.resolveParent(ctx, p)
	if err != nil {
		return nil, err
	}
	l, ok := dir.backend.(mountfs.Linker)
	if !ok {
		return nil, mountfs.ENOSYS
	}
	n, err := fs.createChild(ctx, dir, name, childSpec{
		backend: dir.backend,
		build: func(ctx context.Context) (mountfs.Entry, error) {
			return l.Symlink(ctx, dir.key, name, target)
		},
	})
	if err != nil {
		return nil, err
	}
	dir.Invalidate()
	return n, nil
}

// Readlink returns the target of the symlink at p
func (fs *FileSystem) Readlink(ctx context.Context, p string) (string, error) {
	n, err := fs.resolve(ctx, p, false)
	if err != nil {
		return "", err
	}
	if n.kind != mountfs.KindSymlink {
		return "", mountfs.EINVAL
	}
	return fs.readlinkNode(ctx, n)
}

// Stat returns the attributes of p, following a terminal symlink
func (fs *FileSystem) Stat(ctx context.Context, p string) (mountfs.Attr, error) {
	n, err := fs.resolve(ctx, p, true)
	if err != nil {
		return mountfs.Attr{}, err
	}
	return fs.stat(ctx, n)
}

// Lstat is [FileSystem.Stat] without following a terminal symlink
func (fs *FileSystem) Lstat(ctx context.Context, p string) (mountfs.Attr, error) {
	n, err := fs.resolve(ctx, p, false)
	if err != nil {
		return mountfs.Attr{}, err
	}
	return fs.stat(ctx, n)
}

// Lookup resolves p to its node
func (fs *FileSystem) Lookup(ctx context.Context, p string) (*Node, error) {
	return fs.resolve(ctx, p, true)
}

// LookupLink is [FileSystem.Lookup] without following a terminal symlink
func (fs *FileSystem) LookupLink(ctx context.Context, p string) (*Node, error) {
	return fs.resolve(ctx, p, false)
}

// Attr returns the attributes of n
func (fs *FileSystem) Attr(ctx context.Context, n *Node) (mountfs.Attr, error) {
	return fs.stat(ctx, n)
}

// Truncate resizes the file at p
func (fs *FileSystem) Truncate(ctx context.Context, p string, size int64) error {
	if size < 0 {
		return mountfs.EINVAL
	}
	n, err := fs.resolve(ctx, p, true)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return mountfs.EISDIR
	}
	defer n.Invalidate()
	return errnoOf(n.backend.Truncate(ctx, n.key, size))
}

// ReadDir lists p sorted by name. Entries attached from other backends are
// merged with the listing of the directory's own backend.
func (fs *FileSystem) ReadDir(ctx context.Context, p string) ([]mountfs.DirEntry, error) {
	n, err := fs.resolve(ctx, p, true)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, mountfs.ENOTDIR
	}
	entries, err := n.backend.ReadDir(ctx, n.key)
	if err != nil {
		return nil, errnoOf(err)
	}

	lk := RLockDir(n)
	for name, id := range n.children {
		if ch, ok := fs.arena.load(id); ok && ch.foreign {
			entries = append(entries, mountfs.DirEntry{Name: name, Kind: ch.kind})
		}
	}
	lk.Close()

	slices.SortFunc(entries, func(a, b mountfs.DirEntry) int { return strings.Compare(a.Name, b.Name) })
	return slices.CompactFunc(entries, func(a, b mountfs.DirEntry) bool { return a.Name == b.Name }), nil
}

// removeChild reserves the published entry name of n in dir for the duration
// of fn and unpublishes it when fn succeeds
func (fs *FileSystem) removeChild(ctx context.Context, dir *Node, n *Node, fn func(ctx context.Context, name string) error) error {
	for {
		lk := LockDirs(dir)
		name := n.Name()
		if ch, ok := lk.Pending(dir, name); ok {
			lk.Close()
			if err := wait(ctx, ch); err != nil {
				return err
			}
			continue
		}
		if id, ok := lk.Child(dir, name); !ok || id != n.id {
			lk.Close()
			return mountfs.ENOENT
		}
		ch := lk.Reserve(dir, name)
		lk.Close()

		err := fn(ctx, name)

		lk = LockDirs(dir)
		lk.Release(dir, name, ch)
		if err == nil {
			lk.Remove(dir, name)
		}
		lk.Close()
		return errnoOf(err)
	}
}

// Unlink removes the file or symlink at p. Its storage stays readable through
// open descriptors until the last one closes.
func (fs *FileSystem) Unlink(ctx context.Context, p string) error {
	logger := util.GetLogger("FS.Unlink")

	dir, name, err := fs.resolveParent(ctx, p)
	if err != nil {
		return err
	}
	n, err := fs.lookupChild(ctx, dir, name)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return mountfs.EISDIR
	}

	err = fs.removeChild(ctx, dir, n, func(ctx context.Context, name string) error {
		if n.foreign {
			return n.backend.Unlink(ctx, nil, name, n.key)
		}
		return dir.backend.Unlink(ctx, dir.key, name, n.key)
	})
	if err != nil {
		return err
	}
	dir.Invalidate()
	fs.release(ctx, n)
	logger.Debug().Str("path", p).Msg("Unlinked")
	return nil
}

// Rmdir removes the empty directory at p
func (fs *FileSystem) Rmdir(ctx context.Context, p string) error {
	logger := util.GetLogger("FS.Rmdir")

	dir, name, err := fs.resolveParent(ctx, p)
	if err != nil {
		return err
	}
	n, err := fs.lookupChild(ctx, dir, name)
	if err != nil {
		return err
	}
	if !n.IsDir() {
		return mountfs.ENOTDIR
	}
	if _, ok := fs.mounts.Load(n.id); ok || n.mount != nil {
		return mountfs.EBUSY
	}

	// block creations inside n while the backend decides
	var all chan struct{}
	for all == nil {
		lk := LockDirs(n)
		if ch := anyPending(n); ch != nil {
			lk.Close()
			if err := wait(ctx, ch); err != nil {
				return err
			}
			continue
		}
		if n.hasForeignChildLocked() {
			lk.Close()
			return mountfs.ENOTEMPTY
		}
		all = lk.Reserve(n, "")
		lk.Close()
	}

	err = fs.removeChild(ctx, dir, n, func(ctx context.Context, name string) error {
		return dir.backend.Rmdir(ctx, dir.key, name, n.key)
	})
	if err == nil {
		n.unlinked.Store(true)
	}
	lk := LockDirs(n)
	lk.Release(n, "", all)
	lk.Close()
	if err != nil {
		return err
	}
	dir.Invalidate()
	fs.release(ctx, n)
	logger.Debug().Str("path", p).Msg("Removed directory")
	return nil
}

// Rename moves oldPath to newPath, replacing a compatible target. Moves
// between backends or mounts fail with EXDEV.
func (fs *FileSystem) Rename(ctx context.Context, oldPath, newPath string) error {
	logger := util.GetLogger("FS.Rename")

	odir, oname, err := fs.resolveParent(ctx, oldPath)
	if err != nil {
		return err
	}
	ndir, nname, err := fs.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}
	src, err := fs.lookupChild(ctx, odir, oname)
	if err != nil {
		return err
	}
	if src.mount != nil {
		return mountfs.EBUSY
	}
	if _, ok := fs.mounts.Load(src.id); ok {
		return mountfs.EBUSY
	}
	if src.cover != ndir.cover || (!src.foreign && odir.backend != ndir.backend) {
		return mountfs.EXDEV
	}

	// materialize an existing target so the core can release it
	dst, err := fs.lookupChild(ctx, ndir, nname)
	switch {
	case err == nil:
		if dst == src {
			// same entry, possibly respelled on a case-insensitive backend
			if odir != ndir || nname == src.Name() {
				return nil
			}
			dst = nil
			break
		}
		nname = dst.Name()
		if err := fs.checkReplace(src, dst); err != nil {
			return err
		}
	case errors.Is(err, mountfs.ENOENT):
		dst = nil
	default:
		return err
	}

	if src.IsDir() && odir != ndir {
		fs.renameMu.Lock()
		defer fs.renameMu.Unlock()
	}
	if src.IsDir() && fs.isWithin(ndir, src) {
		return mountfs.EINVAL
	}

	oname, och, nch, err := fs.reserveRename(ctx, src, dst, odir, ndir, nname)
	if err != nil {
		return err
	}

	err = fs.renameBackend(ctx, src, dst, odir, oname, ndir, nname)

	lk := LockDirs(odir, ndir)
	lk.Release(odir, oname, och)
	lk.Release(ndir, nname, nch)
	if err == nil {
		lk.Remove(odir, oname)
		if dst != nil {
			lk.Remove(ndir, nname)
		}
		ndir.children[nname] = src.id
		src.setLink(ndir.id, nname)
	}
	lk.Close()
	if err != nil {
		logger.Debug().Err(err).Str("old", oldPath).Str("new", newPath).Msg("Rename failed")
		return err
	}

	odir.Invalidate()
	ndir.Invalidate()
	src.Invalidate()
	if dst != nil {
		fs.release(ctx, dst)
	}
	logger.Debug().Str("old", oldPath).Str("new", newPath).Msg("Renamed")
	return nil
}

// reserveRename reserves the source entry in odir and the target name in
// ndir. Returns the current source name.
func (fs *FileSystem) reserveRename(ctx context.Context, src, dst, odir, ndir *Node, nname string) (string, chan struct{}, chan struct{}, error) {
	for {
		lk := LockDirs(odir, ndir)
		oname := src.Name()
		ch, ok := lk.Pending(odir, oname)
		if !ok {
			ch, ok = lk.Pending(ndir, nname)
		}
		if ok {
			lk.Close()
			if err := wait(ctx, ch); err != nil {
				return "", nil, nil, err
			}
			continue
		}
		if id, ok := lk.Child(odir, oname); !ok || id != src.id {
			lk.Close()
			return "", nil, nil, mountfs.ENOENT
		}
		if id, ok := lk.Child(ndir, nname); ok && (dst == nil || id != dst.id) {
			// target changed since it was checked
			lk.Close()
			return "", nil, nil, mountfs.EEXIST
		}
		och := lk.Reserve(odir, oname)
		nch := lk.Reserve(ndir, nname)
		lk.Close()
		return oname, och, nch, nil
	}
}

// anyPending returns one in-flight reservation of dir or nil.
// Caller must hold dir.dirMu.
func anyPending(dir *Node) chan struct{} {
	for _, ch := range dir.pending {
		return ch
	}
	return nil
}

// checkReplace validates replacing dst by src
func (fs *FileSystem) checkReplace(src, dst *Node) error {
	if dst.mount != nil {
		return mountfs.EBUSY
	}
	if _, ok := fs.mounts.Load(dst.id); ok {
		return mountfs.EBUSY
	}
	switch {
	case src.IsDir() && !dst.IsDir():
		return mountfs.ENOTDIR
	case !src.IsDir() && dst.IsDir():
		return mountfs.EISDIR
	case src.foreign != dst.foreign:
		return mountfs.EXDEV
	}
	if dst.IsDir() {
		lk := RLockDir(dst)
		defer lk.Close()
		if dst.hasForeignChildLocked() {
			return mountfs.ENOTEMPTY
		}
	}
	return nil
}

// renameBackend performs the storage side of a rename. Foreign files are
// only relinked in the tree; their own backend has no directories to update.
func (fs *FileSystem) renameBackend(ctx context.Context, src, dst, odir *Node, oname string, ndir *Node, nname string) error {
	if !src.foreign {
		return errnoOf(odir.backend.Rename(ctx, src.key, odir.key, oname, ndir.key, nname))
	}
	if dst != nil {
		return errnoOf(dst.backend.Unlink(ctx, nil, nname, dst.key))
	}
	return nil
}

// Chdir sets the working directory used for relative paths
func (fs *FileSystem) Chdir(ctx context.Context, p string) error {
	n, err := fs.resolve(ctx, p, true)
	if err != nil {
		return err
	}
	if !n.IsDir() {
		return mountfs.ENOTDIR
	}
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	if n.IsDel() || (n.cover != nil && n.cover.detached) {
		return mountfs.ENOENT
	}
	fs.cwd = n
	return nil
}

// Getcwd returns the absolute path of the working directory
func (fs *FileSystem) Getcwd() (string, error) {
	fs.fdMu.Lock()
	cwd := fs.cwd
	fs.fdMu.Unlock()
	p, err := cwd.Path()
	if err != nil {
		return "", mountfs.ENOENT
	}
	return p, nil
}
