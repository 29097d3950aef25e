// Package mountfs contains the core domain types and the storage backend
// contract for the mountfs virtual filesystem
package mountfs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BackendID uniquely identifies one backend instance for its lifetime
type BackendID string

// NewBackendID returns a fresh random [BackendID]
func NewBackendID() BackendID {
	return BackendID(uuid.New().String())
}

// Key is a backend-private identifier for one of its nodes. The core stores it
// on the tree node and hands it back on every call without inspecting it.
// A nil Key passed as a directory means "detached": the node is attached to a
// directory owned by a different backend (see [Backend.Create]).
type Key any

// Attr is the stat-like attribute block of a node
type Attr struct {
	Mode  uint32 // type bits | permission bits
	Size  int64
	Nlink uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// Kind returns the node kind encoded in the mode type bits
func (a Attr) Kind() NodeKind {
	return KindOf(a.Mode)
}

// IsDir reports whether the attributes describe a directory
func (a Attr) IsDir() bool {
	return a.Kind() == KindDir
}

// Entry describes a node a backend has materialized
type Entry struct {
	// Name is the name as stored by the backend, which may differ from the
	// requested name (e.g. case-insensitive backends report the original case)
	Name string
	Key  Key
	Attr Attr
}

// DirEntry is a single directory listing record
type DirEntry struct {
	Name string
	Kind NodeKind
}

// Backend is the capability contract every storage provider implements.
//
// A backend may be synchronous in-process (memory), synchronous but
// delegating to a dedicated worker (every call blocks until the round trip
// completes), or remote and lazily materialized. Every method must eventually
// return a result or an error on the calling goroutine. The core never holds
// tree locks while calling these methods.
//
// Errors should be [Errno] values where one applies; anything else is
// reported to callers as [EIO].
type Backend interface {
	// ID returns the instance identity
	ID() BackendID

	// Kind returns a short label for the implementation, i.e. "memory"
	Kind() string

	// Root returns the directory exposed when the backend is attached to the
	// tree through a mount or a cross-backend directory creation
	Root(ctx context.Context) (Entry, error)

	// Lookup finds name in dir. Remote backends may materialize a placeholder
	// on first touch. Returns ENOENT when absent.
	Lookup(ctx context.Context, dir Key, name string) (Entry, error)

	// Create materializes a new regular file. dir is nil when the file is
	// attached under a directory owned by another backend; backends that
	// cannot store detached files return EXDEV.
	Create(ctx context.Context, dir Key, name string, mode uint32) (Entry, error)

	// Mkdir materializes a new directory in dir
	Mkdir(ctx context.Context, dir Key, name string, mode uint32) (Entry, error)

	// Open returns a handle for I/O on a file
	Open(ctx context.Context, key Key, flags int) (Handle, error)

	// Truncate resizes a file
	Truncate(ctx context.Context, key Key, size int64) error

	// Rename moves key from oldDir/oldName to newDir/newName, replacing a
	// compatible existing target
	Rename(ctx context.Context, key Key, oldDir Key, oldName string, newDir Key, newName string) error

	// Unlink removes the directory entry of a file. Storage must stay readable
	// through open handles until [Backend.Reclaim] is called.
	Unlink(ctx context.Context, dir Key, name string, key Key) error

	// Rmdir removes an empty directory; ENOTEMPTY otherwise
	Rmdir(ctx context.Context, dir Key, name string, key Key) error

	// ReadDir lists dir without "." and ".."
	ReadDir(ctx context.Context, dir Key) ([]DirEntry, error)

	// Stat returns current attributes
	Stat(ctx context.Context, key Key) (Attr, error)

	// Reclaim releases the storage of an unlinked node once no descriptor
	// references it anymore
	Reclaim(ctx context.Context, key Key) error
}

// Linker is implemented by backends that support symbolic links
type Linker interface {
	Symlink(ctx context.Context, dir Key, name string, target string) (Entry, error)
	Readlink(ctx context.Context, key Key) (string, error)
}

// Handle is the backend-specific open state of a file
type Handle interface {
	// ReadAt reads up to len(p) bytes at off; returns 0, nil at end of file
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// WriteAt writes p at off, extending the file as needed
	WriteAt(ctx context.Context, p []byte, off int64) (int, error)

	// Close releases the handle
	Close(ctx context.Context) error
}

// Syncer is implemented by handles that buffer writes
type Syncer interface {
	Sync(ctx context.Context) error
}

// Constructor builds a backend from an opaque argument. Wrapping backends
// (i.e. case-insensitive) receive one to build their inner backend.
type Constructor func(arg any) (Backend, error)
