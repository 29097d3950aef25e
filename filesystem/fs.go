package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends/memory"
	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/internal/util"
	"github.com/hashicorp/go-multierror"
	"github.com/puzpuzpuz/xsync/v4"
)

// Options are the startup hooks of [New]. They run in field order: the root
// backend hook, then BeforePreload, then the preload requests.
type Options struct {
	// RootBackend supplies the backend of "/". A new memory backend is used
	// when nil.
	RootBackend func(cfg *config.Config) (mountfs.Backend, error)

	// BeforePreload runs once the tree exists and before any preloaded file is
	// created. Mounting backends here routes preloaded files into them.
	BeforePreload func(ctx context.Context, fs *FileSystem) error

	// Preload lists nodes created before New returns
	Preload []*mountfs.PreloadRequest
}

// FileSystem is the single tree presented to the hosted program.
// All methods are safe for concurrent use and return [mountfs.Errno] errors.
type FileSystem struct {
	cfg         *config.Config
	arena       *arena
	root        *Node
	rootBackend mountfs.Backend

	mounts   *xsync.Map[NodeID, *Mount] // mount point NodeID -> mount
	mountMu  sync.Mutex                 // serializes mount table changes
	renameMu sync.Mutex                 // held across cross-directory renames of directories

	fdMu   sync.Mutex // protects the fields below, Node.openCount and Mount.detached
	files  []*openFile
	cwd    *Node
	closed bool
}

// New builds the filesystem and runs the startup hooks in order.
func New(ctx context.Context, cfg *config.Config, opts Options) (*FileSystem, error) {
	logger := util.GetLogger("FS.New")

	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}

	var rb mountfs.Backend
	if opts.RootBackend != nil {
		b, err := opts.RootBackend(cfg)
		if err != nil {
			logger.Error().Err(err).Msg("Root backend hook failed")
			return nil, err
		}
		rb = b
	}
	if rb == nil {
		rb = memory.New()
	}

	fs, err := newFileSystem(ctx, cfg, rb)
	if err != nil {
		return nil, err
	}
	logger.Debug().Str("backend", rb.Kind()).Msg("Root backend attached")

	if opts.BeforePreload != nil {
		if err := opts.BeforePreload(ctx, fs); err != nil {
			logger.Error().Err(err).Msg("Pre-preload hook failed")
			return nil, err
		}
	}

	if err := fs.Preload(ctx, opts.Preload); err != nil {
		return nil, err
	}
	return fs, nil
}

func newFileSystem(ctx context.Context, cfg *config.Config, rb mountfs.Backend) (*FileSystem, error) {
	e, err := rb.Root(ctx)
	if err != nil {
		return nil, errnoOf(err)
	}
	if !e.Attr.IsDir() && e.Attr.Mode != 0 {
		return nil, mountfs.ENOTDIR
	}

	fs := &FileSystem{
		cfg:         cfg,
		arena:       newArena(),
		rootBackend: rb,
		mounts:      xsync.NewMap[NodeID, *Mount](),
	}
	root := newNode(fs.arena, mountfs.KindDir, rb, e)
	fs.arena.add(root)
	root.parent = root.id
	fs.root = root
	fs.cwd = root
	return fs, nil
}

// Config returns the runtime configuration
func (fs *FileSystem) Config() *config.Config {
	return fs.cfg
}

// Root returns the root directory node
func (fs *FileSystem) Root() *Node {
	return fs.root
}

// RootBackend returns the backend of "/"
func (fs *FileSystem) RootBackend() mountfs.Backend {
	return fs.rootBackend
}

// GetNode returns a node by NodeID
func (fs *FileSystem) GetNode(id NodeID) (*Node, bool) {
	return fs.arena.load(id)
}

// NodeCount returns the number of nodes currently materialized in the arena
func (fs *FileSystem) NodeCount() int {
	return fs.arena.size()
}

// Shutdown closes every open descriptor, then the root and mounted backends
// that implement Close. The filesystem rejects new descriptors afterwards.
func (fs *FileSystem) Shutdown(ctx context.Context) error {
	logger := util.GetLogger("FS.Shutdown")

	fs.fdMu.Lock()
	fs.closed = true
	var fds []int
	for fd, f := range fs.files {
		if f != nil {
			fds = append(fds, fd)
		}
	}
	fs.fdMu.Unlock()

	var merr *multierror.Error
	for _, fd := range fds {
		if err := fs.Close(ctx, fd); err != nil && !errors.Is(err, mountfs.EBADF) {
			merr = multierror.Append(merr, err)
		}
	}

	// backends that own goroutines or connections get closed once each
	fs.mountMu.Lock()
	backends := []mountfs.Backend{fs.rootBackend}
	fs.mounts.Range(func(_ NodeID, m *Mount) bool {
		backends = append(backends, m.backend)
		return true
	})
	fs.mountMu.Unlock()
	seen := make(map[mountfs.BackendID]bool, len(backends))
	for _, b := range backends {
		if seen[b.ID()] {
			continue
		}
		seen[b.ID()] = true
		if c, ok := b.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("close %s backend: %w", b.Kind(), err))
			}
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		logger.Warn().Err(err).Msg("Errors during shutdown")
		return err
	}
	logger.Debug().Int("closed", len(fds)).Msg("Filesystem shut down")
	return nil
}

// DestroyBackend releases a backend that is no longer part of the tree.
// Fails with EBUSY while it is the root backend, is mounted, owns a live node
// or serves an open descriptor, unlinked files included.
func (fs *FileSystem) DestroyBackend(ctx context.Context, b mountfs.Backend) error {
	logger := util.GetLogger("FS.DestroyBackend")

	fs.mountMu.Lock()
	defer fs.mountMu.Unlock()

	if b == fs.rootBackend {
		return mountfs.EBUSY
	}
	busy := false
	fs.mounts.Range(func(_ NodeID, m *Mount) bool {
		busy = m.backend == b
		return !busy
	})
	fs.arena.rangeNodes(func(n *Node) bool {
		if n.backend == b && !n.IsDel() {
			busy = true
		}
		return !busy
	})
	fs.fdMu.Lock()
	for _, f := range fs.files {
		if f != nil && f.node.backend == b {
			busy = true
			break
		}
	}
	fs.fdMu.Unlock()
	if busy {
		return mountfs.EBUSY
	}
	if c, ok := b.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Str("backend", b.Kind()).Msg("Backend close failed")
			return errnoOf(err)
		}
	}
	logger.Debug().Str("backend", b.Kind()).Msg("Backend destroyed")
	return nil
}

// errnoOf narrows any error to the taxonomy, logging detail that would be lost
func errnoOf(err error) error {
	if err == nil {
		return nil
	}
	e := mountfs.ToErrno(err)
	var direct mountfs.Errno
	if !errors.As(err, &direct) {
		logger := util.GetLogger("FS.Errno")
		logger.Debug().Err(err).Str("errno", e.Error()).Msg("Backend error mapped")
	}
	return e
}

// stat returns the node's attributes, from the cache when valid
func (fs *FileSystem) stat(ctx context.Context, n *Node) (mountfs.Attr, error) {
	if a, ok := n.CachedAttr(); ok {
		return a, nil
	}
	a, err := n.backend.Stat(ctx, n.key)
	if err != nil {
		return mountfs.Attr{}, errnoOf(err)
	}
	n.StoreAttr(a)
	return a, nil
}

// adopt creates a node for a backend entry and links it as name under parent.
// Caller must hold parent.dirMu.
func (fs *FileSystem) adoptLocked(parent *Node, name string, b mountfs.Backend, e mountfs.Entry, foreign bool, m *Mount) *Node {
	kind := e.Attr.Kind()
	if kind == mountfs.KindUnknown {
		kind = mountfs.KindFile
	}
	n := newNode(fs.arena, kind, b, e)
	n.name = name
	n.parent = parent.id
	n.foreign = foreign
	n.cover = parent.cover
	if m != nil {
		n.cover = m
		n.mount = m
	}
	fs.arena.add(n)
	parent.children[name] = n.id
	return n
}

// release marks n unlinked and reclaims its storage if nothing holds it open
func (fs *FileSystem) release(ctx context.Context, n *Node) {
	fs.fdMu.Lock()
	n.unlinked.Store(true)
	reclaim := n.openCount == 0
	fs.fdMu.Unlock()
	if reclaim {
		fs.reclaim(ctx, n)
	}
}

func (fs *FileSystem) reclaim(ctx context.Context, n *Node) {
	if err := n.backend.Reclaim(ctx, n.key); err != nil {
		logger := util.GetLogger("FS.Reclaim")
		logger.Warn().Err(err).Uint64("nodeID", n.id).Msg("Backend reclaim failed")
	}
	fs.arena.remove(n.id)
}
