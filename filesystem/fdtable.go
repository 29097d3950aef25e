package filesystem

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
)

// openFile is an open file description. Several descriptors share one after
// [FileSystem.Dup].
type openFile struct {
	node   *Node
	handle mountfs.Handle // nil for directories
	flags  int
	refs   int // descriptors referencing this description; protected by FileSystem.fdMu

	mu     sync.Mutex // serializes offset updates
	offset int64
}

func (f *openFile) readable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != os.O_WRONLY
}

func (f *openFile) writable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

// Open resolves p and returns the lowest free descriptor for it.
// flags are the os.O_* flags; mode applies when O_CREATE creates the file.
func (fs *FileSystem) Open(ctx context.Context, p string, flags int, mode uint32) (int, error) {
	logger := util.GetLogger("FS.Open")
	logger.Trace().Str("path", p).Int("flags", flags).Msg("Open called")

	n, err := fs.openNode(ctx, p, flags, mode)
	if err != nil {
		return -1, err
	}
	fd, err := fs.OpenNode(ctx, n, flags)
	if err != nil {
		return -1, err
	}
	logger.Debug().Str("path", p).Int("fd", fd).Msg("Opened")
	return fd, nil
}

// OpenNode opens a node already in hand, such as one returned by
// [FileSystem.CreateFile], without resolving its path again.
// Fails with ENOENT once n was unlinked.
func (fs *FileSystem) OpenNode(ctx context.Context, n *Node, flags int) (int, error) {
	f := &openFile{node: n, flags: flags}
	if n.IsDir() {
		if f.writable() {
			return -1, mountfs.EISDIR
		}
	} else {
		if flags&os.O_TRUNC != 0 && f.writable() {
			if err := n.backend.Truncate(ctx, n.key, 0); err != nil {
				return -1, errnoOf(err)
			}
			n.Invalidate()
		}
		h, err := n.backend.Open(ctx, n.key, flags)
		if err != nil {
			return -1, errnoOf(err)
		}
		f.handle = h
	}

	fd, err := fs.install(f)
	if err != nil {
		if f.handle != nil {
			_ = f.handle.Close(ctx)
		}
		return -1, err
	}
	return fd, nil
}

func (fs *FileSystem) openNode(ctx context.Context, p string, flags int, mode uint32) (*Node, error) {
	creating := flags&os.O_CREATE != 0
	excl := creating && flags&os.O_EXCL != 0

	for attempt := 0; ; attempt++ {
		n, err := fs.resolve(ctx, p, !excl)
		if err == nil {
			if excl {
				return nil, mountfs.EEXIST
			}
			return n, nil
		}
		if !creating || !errors.Is(err, mountfs.ENOENT) {
			return nil, err
		}

		n, err = fs.CreateFile(ctx, p, mode, nil)
		if err == nil || excl || !errors.Is(err, mountfs.EEXIST) || attempt > 0 {
			return n, err
		}
		// lost a race with another creator; open theirs
	}
}

// install registers f at the lowest free descriptor
func (fs *FileSystem) install(f *openFile) (int, error) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()

	if fs.closed {
		return -1, mountfs.EBADF
	}
	n := f.node
	if n.IsDel() || (n.cover != nil && n.cover.detached) {
		return -1, mountfs.ENOENT
	}
	fd, err := fs.allocLocked(f)
	if err != nil {
		return -1, err
	}
	f.refs = 1
	n.openCount++
	return fd, nil
}

// allocLocked stores f at the lowest free descriptor. Caller must hold fs.fdMu.
func (fs *FileSystem) allocLocked(f *openFile) (int, error) {
	for fd, cur := range fs.files {
		if cur == nil {
			fs.files[fd] = f
			return fd, nil
		}
	}
	if len(fs.files) >= fs.cfg.MaxOpenFiles {
		return -1, mountfs.EMFILE
	}
	fs.files = append(fs.files, f)
	return len(fs.files) - 1, nil
}

func (fs *FileSystem) file(fd int) (*openFile, error) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	if fd < 0 || fd >= len(fs.files) || fs.files[fd] == nil {
		return nil, mountfs.EBADF
	}
	return fs.files[fd], nil
}

// Dup returns the lowest free descriptor sharing fd's open file description
func (fs *FileSystem) Dup(fd int) (int, error) {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	if fd < 0 || fd >= len(fs.files) || fs.files[fd] == nil {
		return -1, mountfs.EBADF
	}
	f := fs.files[fd]
	nfd, err := fs.allocLocked(f)
	if err != nil {
		return -1, err
	}
	f.refs++
	return nfd, nil
}

// Close releases fd. The backend handle is closed with the last descriptor of
// its description, and an unlinked node is reclaimed once nothing holds it.
func (fs *FileSystem) Close(ctx context.Context, fd int) error {
	logger := util.GetLogger("FS.Close")

	fs.fdMu.Lock()
	if fd < 0 || fd >= len(fs.files) || fs.files[fd] == nil {
		fs.fdMu.Unlock()
		return mountfs.EBADF
	}
	f := fs.files[fd]
	fs.files[fd] = nil
	for len(fs.files) > 0 && fs.files[len(fs.files)-1] == nil {
		fs.files = fs.files[:len(fs.files)-1]
	}
	f.refs--
	last := f.refs == 0
	reclaim := false
	if last {
		f.node.openCount--
		reclaim = f.node.openCount == 0 && f.node.IsDel()
	}
	fs.fdMu.Unlock()

	var err error
	if last && f.handle != nil {
		err = f.handle.Close(ctx)
		f.node.Invalidate()
	}
	if reclaim {
		fs.reclaim(ctx, f.node)
	}
	if err != nil {
		logger.Warn().Err(err).Int("fd", fd).Msg("Backend close failed")
		return errnoOf(err)
	}
	logger.Trace().Int("fd", fd).Bool("last", last).Msg("Closed")
	return nil
}

// OpenCount returns the number of live descriptors
func (fs *FileSystem) OpenCount() int {
	fs.fdMu.Lock()
	defer fs.fdMu.Unlock()
	cnt := 0
	for _, f := range fs.files {
		if f != nil {
			cnt++
		}
	}
	return cnt
}

// BackendByFD returns the backend owning the node open at fd
func (fs *FileSystem) BackendByFD(fd int) (mountfs.Backend, error) {
	f, err := fs.file(fd)
	if err != nil {
		return nil, err
	}
	return f.node.backend, nil
}

// NodeByFD returns the node open at fd
func (fs *FileSystem) NodeByFD(fd int) (*Node, error) {
	f, err := fs.file(fd)
	if err != nil {
		return nil, err
	}
	return f.node, nil
}
