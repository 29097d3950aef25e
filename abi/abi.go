// Package abi exposes the filesystem through a C style call surface: integer
// results where non-negative means success and a negative value is a negated
// errno, and backends referred to by small integer handles.
package abi

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends/fetch"
	"github.com/brettbedarf/mountfs/backends/hostfs"
	"github.com/brettbedarf/mountfs/backends/icase"
	"github.com/brettbedarf/mountfs/backends/memory"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/brettbedarf/mountfs/internal/util"
	"github.com/puzpuzpuz/xsync/v4"
)

// BackendHandle names a backend across the surface. 0 is the null handle.
type BackendHandle int32

// Null is returned when a backend cannot be produced
const Null BackendHandle = 0

// ABI wraps one filesystem. The zero value is not usable; see [New].
type ABI struct {
	ctx context.Context
	fs  *filesystem.FileSystem

	backends *xsync.Map[BackendHandle, mountfs.Backend]
	handles  *xsync.Map[mountfs.BackendID, BackendHandle]
	last     atomic.Int32
}

// New serves fs. ctx is passed to every filesystem call.
func New(ctx context.Context, fs *filesystem.FileSystem) *ABI {
	return &ABI{
		ctx:      ctx,
		fs:       fs,
		backends: xsync.NewMap[BackendHandle, mountfs.Backend](),
		handles:  xsync.NewMap[mountfs.BackendID, BackendHandle](),
	}
}

// FileSystem returns the wrapped filesystem
func (a *ABI) FileSystem() *filesystem.FileSystem { return a.fs }

// handleOf returns the handle of b, assigning one on first sight
func (a *ABI) handleOf(b mountfs.Backend) BackendHandle {
	h, _ := a.handles.LoadOrCompute(b.ID(), func() (BackendHandle, bool) {
		h := BackendHandle(a.last.Add(1))
		a.backends.Store(h, b)
		return h, false
	})
	return h
}

// Backend returns the backend behind h
func (a *ABI) Backend(h BackendHandle) (mountfs.Backend, bool) {
	if h == Null {
		return nil, false
	}
	return a.backends.Load(h)
}

// backendArg resolves an optional handle argument: Null selects the default
func (a *ABI) backendArg(h BackendHandle) (mountfs.Backend, error) {
	if h == Null {
		return nil, nil
	}
	b, ok := a.backends.Load(h)
	if !ok {
		return nil, mountfs.EINVAL
	}
	return b, nil
}

// code converts an error to the negative errno convention
func code(err error) int32 {
	if err == nil {
		return 0
	}
	return mountfs.ToErrno(err).Neg()
}

// register hands out a handle for a freshly constructed backend
func (a *ABI) register(kind string, b mountfs.Backend, err error) BackendHandle {
	if err != nil {
		logger := util.GetLogger("ABI.CreateBackend")
		logger.Warn().Err(err).Str("kind", kind).Msg("Backend construction failed")
		return Null
	}
	return a.handleOf(b)
}

// GetBackendByPath returns the backend serving path, or Null
func (a *ABI) GetBackendByPath(path string) BackendHandle {
	b, err := a.fs.BackendByPath(a.ctx, path)
	if err != nil {
		return Null
	}
	return a.handleOf(b)
}

// GetBackendByFD returns the backend of an open descriptor, or Null
func (a *ABI) GetBackendByFD(fd int32) BackendHandle {
	b, err := a.fs.BackendByFD(int(fd))
	if err != nil {
		return Null
	}
	return a.handleOf(b)
}

// CreateFile creates the file at path in backend h (Null for the parent's
// backend) and opens it for reading and writing. Returns the descriptor.
func (a *ABI) CreateFile(path string, mode uint32, h BackendHandle) int32 {
	b, err := a.backendArg(h)
	if err != nil {
		return code(err)
	}
	n, err := a.fs.CreateFile(a.ctx, path, mode, b)
	if err != nil {
		return code(err)
	}
	fd, err := a.fs.OpenNode(a.ctx, n, os.O_RDWR)
	if err != nil {
		// leave nothing behind unless the name was taken over meanwhile
		if cur, lerr := a.fs.LookupLink(a.ctx, path); lerr == nil && cur == n {
			_ = a.fs.Unlink(a.ctx, path)
		}
		return code(err)
	}
	return int32(fd)
}

// CreateDirectory creates the directory at path. A handle other than Null
// attaches that backend's root at path.
func (a *ABI) CreateDirectory(path string, mode uint32, h BackendHandle) int32 {
	b, err := a.backendArg(h)
	if err != nil {
		return code(err)
	}
	_, err = a.fs.CreateDirectory(a.ctx, path, mode, b)
	return code(err)
}

// CreateMemoryBackend returns a new in-memory backend
func (a *ABI) CreateMemoryBackend() BackendHandle {
	return a.handleOf(memory.New())
}

// CreateICaseBackend wraps the backend ctor(arg) builds so names match
// case-insensitively
func (a *ABI) CreateICaseBackend(ctor mountfs.Constructor, arg any) BackendHandle {
	b, err := icase.New(ctor, arg)
	return a.register("icase", b, err)
}

// CreateNodeBackend returns a passthrough to the host directory root
func (a *ABI) CreateNodeBackend(root string) BackendHandle {
	b, err := hostfs.New(root)
	return a.register("host", b, err)
}

// CreateFetchBackend returns a backend fetching files below baseURL on demand
func (a *ABI) CreateFetchBackend(baseURL string) BackendHandle {
	cfg := a.fs.Config()
	b, err := fetch.New(baseURL, fetch.Options{Retries: cfg.FetchRetries, CacheEntries: cfg.FetchCacheEntries})
	return a.register("fetch", b, err)
}

// DestroyBackend releases h. Fails with -EBUSY while the tree still uses it.
func (a *ABI) DestroyBackend(h BackendHandle) int32 {
	b, ok := a.Backend(h)
	if !ok {
		return mountfs.EINVAL.Neg()
	}
	if err := a.fs.DestroyBackend(a.ctx, b); err != nil {
		return code(err)
	}
	a.backends.Delete(h)
	a.handles.Delete(b.ID())
	return 0
}

// Open opens path with os.O_* flags. Returns the descriptor.
func (a *ABI) Open(path string, flags int32, mode uint32) int32 {
	fd, err := a.fs.Open(a.ctx, path, int(flags), mode)
	if err != nil {
		return code(err)
	}
	return int32(fd)
}

func (a *ABI) Close(fd int32) int32 {
	return code(a.fs.Close(a.ctx, int(fd)))
}

// Read reads into buf at the descriptor's offset. Returns the byte count.
func (a *ABI) Read(fd int32, buf []byte) int32 {
	n, err := a.fs.Read(a.ctx, int(fd), buf)
	if err != nil {
		return code(err)
	}
	return int32(n)
}

// Write writes buf at the descriptor's offset. Returns the byte count.
func (a *ABI) Write(fd int32, buf []byte) int32 {
	n, err := a.fs.Write(a.ctx, int(fd), buf)
	if err != nil && n == 0 {
		return code(err)
	}
	return int32(n)
}

func (a *ABI) Mkdir(path string, mode uint32) int32 {
	_, err := a.fs.Mkdir(a.ctx, path, mode)
	return code(err)
}

func (a *ABI) Unlink(path string) int32 {
	return code(a.fs.Unlink(a.ctx, path))
}

func (a *ABI) Rmdir(path string) int32 {
	return code(a.fs.Rmdir(a.ctx, path))
}

func (a *ABI) Rename(oldPath, newPath string) int32 {
	return code(a.fs.Rename(a.ctx, oldPath, newPath))
}

// Errno converts a negative result back to an error; nil for success
func Errno(rc int32) error {
	if rc >= 0 {
		return nil
	}
	return mountfs.Errno(-rc)
}
