package filesystem

import (
	"context"
	"strings"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
)

// splitPath validates p and returns its components. Empty components are
// dropped; "." and ".." are kept for the walker.
func splitPath(p string) ([]string, error) {
	if p == "" || strings.IndexByte(p, 0) >= 0 {
		return nil, mountfs.EINVAL
	}
	if len(p) > mountfs.MaxPathLen {
		return nil, mountfs.ENAMETOOLONG
	}
	parts := strings.Split(p, "/")
	comps := parts[:0]
	for _, c := range parts {
		if c == "" {
			continue
		}
		if len(c) > mountfs.MaxNameLen {
			return nil, mountfs.ENAMETOOLONG
		}
		comps = append(comps, c)
	}
	return comps, nil
}

// start returns the node a path is resolved from
func (fs *FileSystem) start(p string) *Node {
	if strings.HasPrefix(p, "/") {
		return fs.root
	}
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	return fs.cwd
}

// enter crosses into a mount whose mount point is n
func (fs *FileSystem) enter(n *Node) *Node {
	for {
		m, ok := fs.mounts.Load(n.id)
		if !ok || m.root == n {
			return n
		}
		n = m.root
	}
}

// parentOf returns the directory ".." refers to. A mount root shares the
// parent of its mount point, so no special case is needed.
func (fs *FileSystem) parentOf(n *Node) *Node {
	if n.IsRoot() {
		return n
	}
	p, ok := fs.arena.load(n.Parent())
	if !ok {
		return fs.root
	}
	return p
}

// resolve walks p and returns the node it names. The terminal symlink is
// followed when follow is set.
func (fs *FileSystem) resolve(ctx context.Context, p string, follow bool) (*Node, error) {
	hops := 0
	n, err := fs.walk(ctx, fs.start(p), p, follow, &hops)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(p, "/") && !n.IsDir() {
		return nil, mountfs.ENOTDIR
	}
	return n, nil
}

// resolveParent resolves everything but the last component of p and returns
// the parent directory plus the final name. The name is never "." or "..".
func (fs *FileSystem) resolveParent(ctx context.Context, p string) (*Node, string, error) {
	comps, err := splitPath(p)
	if err != nil {
		return nil, "", err
	}
	if len(comps) == 0 {
		// "/" itself has no parent entry
		return nil, "", mountfs.EBUSY
	}
	name := comps[len(comps)-1]
	if name == "." || name == ".." {
		return nil, "", mountfs.EINVAL
	}
	hops := 0
	dir, err := fs.walkComps(ctx, fs.start(p), comps[:len(comps)-1], true, &hops)
	if err != nil {
		return nil, "", err
	}
	if !dir.IsDir() {
		return nil, "", mountfs.ENOTDIR
	}
	return dir, name, nil
}

func (fs *FileSystem) walk(ctx context.Context, cur *Node, p string, followLast bool, hops *int) (*Node, error) {
	comps, err := splitPath(p)
	if err != nil {
		return nil, err
	}
	return fs.walkComps(ctx, cur, comps, followLast, hops)
}

func (fs *FileSystem) walkComps(ctx context.Context, cur *Node, comps []string, followLast bool, hops *int) (*Node, error) {
	cur = fs.enter(cur)
	for i, name := range comps {
		if !cur.IsDir() {
			return nil, mountfs.ENOTDIR
		}
		switch name {
		case ".":
			continue
		case "..":
			cur = fs.enter(fs.parentOf(cur))
			continue
		}

		child, err := fs.lookupChild(ctx, cur, name)
		if err != nil {
			return nil, err
		}
		if child.kind == mountfs.KindSymlink && (i < len(comps)-1 || followLast) {
			*hops++
			if *hops > fs.cfg.MaxSymlinkHops {
				return nil, mountfs.ELOOP
			}
			target, err := fs.readlinkNode(ctx, child)
			if err != nil {
				return nil, err
			}
			base := cur
			if strings.HasPrefix(target, "/") {
				base = fs.root
			}
			if child, err = fs.walk(ctx, base, target, true, hops); err != nil {
				return nil, err
			}
		}
		cur = fs.enter(child)
	}
	return cur, nil
}

// lookupChild returns the child called name, materializing it through the
// directory's backend on first access. Concurrent lookups of the same name
// share one backend call.
func (fs *FileSystem) lookupChild(ctx context.Context, dir *Node, name string) (*Node, error) {
	logger := util.GetLogger("FS.Lookup")

	for {
		lk := LockDirs(dir)
		if id, ok := lk.Child(dir, name); ok {
			lk.Close()
			return fs.arena.mustLoad(id), nil
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
		removals := lk.Removals(dir)
		lk.Close()

		e, err := dir.backend.Lookup(ctx, dir.key, name)

		lk = LockDirs(dir)
		lk.Release(dir, name, ch)
		if err != nil {
			lk.Close()
			return nil, errnoOf(err)
		}
		if e.Name == "" {
			e.Name = name
		}
		// case-preserving backends report the stored name
		if id, ok := lk.Child(dir, e.Name); ok {
			lk.Close()
			return fs.arena.mustLoad(id), nil
		}
		if e.Name != name {
			// the stored name was not reserved by us; it may be mid removal
			// or already removed, in which case the entry is stale
			if other, ok := lk.Pending(dir, e.Name); ok {
				lk.Close()
				if err := wait(ctx, other); err != nil {
					return nil, err
				}
				continue
			}
			if lk.Removals(dir) != removals {
				lk.Close()
				continue
			}
		}
		n := fs.adoptLocked(dir, e.Name, dir.backend, e, false, nil)
		lk.Close()
		logger.Trace().Uint64("dir", dir.id).Str("name", e.Name).Uint64("nodeID", n.id).Msg("Materialized node")
		return n, nil
	}
}

func wait(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return mountfs.EIO
	}
}

func (fs *FileSystem) readlinkNode(ctx context.Context, n *Node) (string, error) {
	l, ok := n.backend.(mountfs.Linker)
	if !ok {
		return "", mountfs.ENOSYS
	}
	target, err := l.Readlink(ctx, n.key)
	if err != nil {
		return "", errnoOf(err)
	}
	if target == "" {
		return "", mountfs.ENOENT
	}
	return target, nil
}
