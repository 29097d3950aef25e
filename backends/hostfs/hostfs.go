// Package hostfs passes a host directory through into the tree. Every host
// call runs on a dedicated worker goroutine so the backend behaves like the
// proxied host filesystem of a sandboxed runtime: callers block until the
// worker answers.
package hostfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
	"github.com/brettbedarf/mountfs/internal/worker"
)

// entry is the key of a host node. Renames update it in place so nodes the
// core holds keep resolving to the moved file.
type entry struct {
	parent *entry
	name   string
}

// Backend serves the directory tree under root
type Backend struct {
	id     mountfs.BackendID
	root   string
	top    *entry
	mu     sync.RWMutex // protects entry links
	worker *worker.Worker
}

// New serves the host directory root. It must exist and be a directory.
func New(root string) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("host root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("host root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("host root %q: %w", root, mountfs.ENOTDIR)
	}
	return &Backend{
		id:     mountfs.NewBackendID(),
		root:   abs,
		top:    &entry{},
		worker: worker.New("hostfs:" + abs),
	}, nil
}

// Constructor adapts [New] to [mountfs.Constructor]. arg must be the host path.
func Constructor(arg any) (mountfs.Backend, error) {
	root, ok := arg.(string)
	if !ok {
		return nil, fmt.Errorf("hostfs: expected string root, got %T", arg)
	}
	return New(root)
}

func (b *Backend) ID() mountfs.BackendID { return b.id }

func (b *Backend) Kind() string { return "host" }

// HostRoot returns the absolute host path being served
func (b *Backend) HostRoot() string { return b.root }

// Close stops the worker. Called by the core when the backend is destroyed.
func (b *Backend) Close() error {
	return b.worker.Close()
}

func (b *Backend) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.worker.Do(ctx, fn)
}

func entryOf(k mountfs.Key) (*entry, error) {
	e, ok := k.(*entry)
	if !ok || e == nil {
		return nil, mountfs.EINVAL
	}
	return e, nil
}

// hostPath returns the host path of e
func (b *Backend) hostPath(e *entry) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var parts []string
	for cur := e; cur != nil && cur != b.top; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	p := b.root
	for i := len(parts) - 1; i >= 0; i-- {
		p = filepath.Join(p, parts[i])
	}
	return p
}

func (b *Backend) childPath(dir mountfs.Key, name string) (*entry, string, error) {
	d, err := entryOf(dir)
	if err != nil {
		return nil, "", err
	}
	return d, filepath.Join(b.hostPath(d), name), nil
}

func attrOf(info os.FileInfo) mountfs.Attr {
	fm := info.Mode()
	var typ uint32
	switch {
	case fm.IsDir():
		typ = mountfs.ModeDir
	case fm&os.ModeSymlink != 0:
		typ = mountfs.ModeSymlink
	default:
		typ = mountfs.ModeFile
	}
	a := mountfs.Attr{
		Mode:  typ | uint32(fm.Perm()),
		Size:  info.Size(),
		Nlink: 1,
		Atime: info.ModTime(),
		Mtime: info.ModTime(),
		Ctime: info.ModTime(),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a.Nlink = uint32(st.Nlink)
	}
	return a
}

func kindOf(info os.FileInfo) mountfs.NodeKind {
	return mountfs.KindOf(attrOf(info).Mode)
}

func (b *Backend) Root(ctx context.Context) (mountfs.Entry, error) {
	var out mountfs.Entry
	err := b.do(ctx, func(context.Context) error {
		info, err := os.Stat(b.root)
		if err != nil {
			return err
		}
		out = mountfs.Entry{Key: b.top, Attr: attrOf(info)}
		return nil
	})
	return out, err
}

func (b *Backend) Lookup(ctx context.Context, dir mountfs.Key, name string) (mountfs.Entry, error) {
	d, p, err := b.childPath(dir, name)
	if err != nil {
		return mountfs.Entry{}, err
	}
	var out mountfs.Entry
	err = b.do(ctx, func(context.Context) error {
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		out = mountfs.Entry{Name: name, Key: &entry{parent: d, name: name}, Attr: attrOf(info)}
		return nil
	})
	return out, err
}

func (b *Backend) Create(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	if dir == nil {
		// every host file needs a host directory
		return mountfs.Entry{}, mountfs.EXDEV
	}
	d, p, err := b.childPath(dir, name)
	if err != nil {
		return mountfs.Entry{}, err
	}
	var out mountfs.Entry
	err = b.do(ctx, func(context.Context) error {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, os.FileMode(mode&mountfs.ModePerm))
		if err != nil {
			return err
		}
		info, err := f.Stat()
		_ = f.Close()
		if err != nil {
			return err
		}
		out = mountfs.Entry{Name: name, Key: &entry{parent: d, name: name}, Attr: attrOf(info)}
		return nil
	})
	return out, err
}

func (b *Backend) Mkdir(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	d, p, err := b.childPath(dir, name)
	if err != nil {
		return mountfs.Entry{}, err
	}
	var out mountfs.Entry
	err = b.do(ctx, func(context.Context) error {
		if err := os.Mkdir(p, os.FileMode(mode&mountfs.ModePerm)); err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		out = mountfs.Entry{Name: name, Key: &entry{parent: d, name: name}, Attr: attrOf(info)}
		return nil
	})
	return out, err
}

func (b *Backend) Symlink(ctx context.Context, dir mountfs.Key, name string, target string) (mountfs.Entry, error) {
	d, p, err := b.childPath(dir, name)
	if err != nil {
		return mountfs.Entry{}, err
	}
	var out mountfs.Entry
	err = b.do(ctx, func(context.Context) error {
		if err := os.Symlink(target, p); err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		out = mountfs.Entry{Name: name, Key: &entry{parent: d, name: name}, Attr: attrOf(info)}
		return nil
	})
	return out, err
}

func (b *Backend) Readlink(ctx context.Context, key mountfs.Key) (string, error) {
	e, err := entryOf(key)
	if err != nil {
		return "", err
	}
	var target string
	err = b.do(ctx, func(context.Context) error {
		var err error
		target, err = os.Readlink(b.hostPath(e))
		return err
	})
	return target, err
}

func (b *Backend) Open(ctx context.Context, key mountfs.Key, flags int) (mountfs.Handle, error) {
	e, err := entryOf(key)
	if err != nil {
		return nil, err
	}
	// the core owns creation, truncation and append offsets
	flags &= os.O_RDONLY | os.O_WRONLY | os.O_RDWR
	var h *handle
	err = b.do(ctx, func(context.Context) error {
		p := b.hostPath(e)
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return mountfs.EISDIR
		}
		f, err := os.OpenFile(p, flags, 0)
		if err != nil {
			return err
		}
		h = &handle{b: b, f: f}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (b *Backend) Truncate(ctx context.Context, key mountfs.Key, size int64) error {
	e, err := entryOf(key)
	if err != nil {
		return err
	}
	return b.do(ctx, func(context.Context) error {
		return os.Truncate(b.hostPath(e), size)
	})
}

func (b *Backend) Rename(ctx context.Context, key mountfs.Key, oldDir mountfs.Key, oldName string, newDir mountfs.Key, newName string) error {
	logger := util.GetLogger("Host.Rename")

	_, from, err := b.childPath(oldDir, oldName)
	if err != nil {
		return err
	}
	nd, to, err := b.childPath(newDir, newName)
	if err != nil {
		return err
	}
	err = b.do(ctx, func(context.Context) error {
		return os.Rename(from, to)
	})
	if err != nil {
		logger.Debug().Err(err).Str("from", from).Str("to", to).Msg("Host rename failed")
		return err
	}
	if e, ok := key.(*entry); ok && e != nil {
		b.mu.Lock()
		e.parent, e.name = nd, newName
		b.mu.Unlock()
	}
	return nil
}

func (b *Backend) remove(ctx context.Context, dir mountfs.Key, name string, wantDir bool) error {
	_, p, err := b.childPath(dir, name)
	if err != nil {
		return err
	}
	return b.do(ctx, func(context.Context) error {
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		switch {
		case wantDir && !info.IsDir():
			return mountfs.ENOTDIR
		case !wantDir && info.IsDir():
			return mountfs.EISDIR
		}
		err = os.Remove(p)
		var pe *os.PathError
		if wantDir && errors.As(err, &pe) && errors.Is(pe.Err, syscall.EEXIST) {
			return mountfs.ENOTEMPTY
		}
		return err
	})
}

func (b *Backend) Unlink(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	if dir == nil {
		return mountfs.EXDEV
	}
	return b.remove(ctx, dir, name, false)
}

func (b *Backend) Rmdir(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	return b.remove(ctx, dir, name, true)
}

func (b *Backend) ReadDir(ctx context.Context, dir mountfs.Key) ([]mountfs.DirEntry, error) {
	d, err := entryOf(dir)
	if err != nil {
		return nil, err
	}
	var out []mountfs.DirEntry
	err = b.do(ctx, func(context.Context) error {
		entries, err := os.ReadDir(b.hostPath(d))
		if err != nil {
			return err
		}
		out = make([]mountfs.DirEntry, 0, len(entries))
		for _, de := range entries {
			info, err := de.Info()
			if err != nil {
				// removed while listing
				continue
			}
			out = append(out, mountfs.DirEntry{Name: de.Name(), Kind: kindOf(info)})
		}
		return nil
	})
	return out, err
}

func (b *Backend) Stat(ctx context.Context, key mountfs.Key) (mountfs.Attr, error) {
	e, err := entryOf(key)
	if err != nil {
		return mountfs.Attr{}, err
	}
	var out mountfs.Attr
	err = b.do(ctx, func(context.Context) error {
		info, err := os.Lstat(b.hostPath(e))
		if err != nil {
			return err
		}
		out = attrOf(info)
		return nil
	})
	return out, err
}

// Reclaim is a no-op: the host keeps unlinked files alive for open
// descriptors on its own.
func (b *Backend) Reclaim(ctx context.Context, key mountfs.Key) error {
	return nil
}

// handle wraps an open host file
type handle struct {
	b *Backend
	f *os.File
}

func (h *handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	var n int
	err := h.b.do(ctx, func(context.Context) error {
		var err error
		n, err = h.f.ReadAt(p, off)
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
	return n, err
}

func (h *handle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	var n int
	err := h.b.do(ctx, func(context.Context) error {
		var err error
		n, err = h.f.WriteAt(p, off)
		return err
	})
	return n, err
}

func (h *handle) Sync(ctx context.Context) error {
	return h.b.do(ctx, func(context.Context) error {
		return h.f.Sync()
	})
}

func (h *handle) Close(ctx context.Context) error {
	return h.b.do(ctx, func(context.Context) error {
		return h.f.Close()
	})
}

var (
	_ mountfs.Backend = (*Backend)(nil)
	_ mountfs.Linker  = (*Backend)(nil)
	_ mountfs.Syncer  = (*handle)(nil)
)
