package server

import (
	"context"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/brettbedarf/mountfs/internal/util"
)

// treeNode is the FUSE view of one node. It only remembers its position in
// the FUSE tree; every operation goes through the filesystem by path.
type treeNode struct {
	fs.Inode
	fs       *filesystem.FileSystem
	timeouts timeouts
}

var (
	_ fs.NodeGetattrer  = (*treeNode)(nil)
	_ fs.NodeSetattrer  = (*treeNode)(nil)
	_ fs.NodeLookuper   = (*treeNode)(nil)
	_ fs.NodeReaddirer  = (*treeNode)(nil)
	_ fs.NodeOpener     = (*treeNode)(nil)
	_ fs.NodeCreater    = (*treeNode)(nil)
	_ fs.NodeMkdirer    = (*treeNode)(nil)
	_ fs.NodeUnlinker   = (*treeNode)(nil)
	_ fs.NodeRmdirer    = (*treeNode)(nil)
	_ fs.NodeRenamer    = (*treeNode)(nil)
	_ fs.NodeSymlinker  = (*treeNode)(nil)
	_ fs.NodeReadlinker = (*treeNode)(nil)
)

// toErrno narrows err for the kernel
func toErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return mountfs.ToErrno(err).Syscall()
}

// unixTime splits t for fuse.Attr; the zero time maps to the epoch
func unixTime(t time.Time) (uint64, uint32) {
	if t.IsZero() || t.Unix() < 0 {
		return 0, 0
	}
	return uint64(t.Unix()), uint32(t.Nanosecond())
}

// fillAttr copies a into out. ino is the tree NodeID.
func fillAttr(out *fuse.Attr, ino uint64, a mountfs.Attr) {
	out.Ino = ino
	out.Mode = a.Mode
	out.Size = uint64(max(a.Size, 0))
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.Nlink = max(a.Nlink, 1)
	out.Atime, out.Atimensec = unixTime(a.Atime)
	out.Mtime, out.Mtimensec = unixTime(a.Mtime)
	out.Ctime, out.Ctimensec = unixTime(a.Ctime)
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

// path returns the tree path of the node
func (n *treeNode) path() string {
	return "/" + n.Path(nil)
}

func (n *treeNode) child(name string) string {
	return path.Join(n.path(), name)
}

// newChild links node into the FUSE tree below n and fills out
func (n *treeNode) newChild(ctx context.Context, node *filesystem.Node, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	attr, err := n.fs.Attr(ctx, node)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, node.NodeID(), attr)
	out.SetEntryTimeout(n.timeouts.entry)
	out.SetAttrTimeout(n.timeouts.attr)
	ch := &treeNode{fs: n.fs, timeouts: n.timeouts}
	return n.NewInode(ctx, ch, fs.StableAttr{Mode: attr.Mode & mountfs.ModeType, Ino: node.NodeID()}), 0
}

func (n *treeNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, err := n.fs.LookupLink(ctx, n.child(name))
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, node, out)
}

func (n *treeNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	var (
		attr mountfs.Attr
		err  error
	)
	if h, ok := fh.(*fileHandle); ok {
		attr, err = n.fs.Fstat(ctx, h.fd)
	} else {
		attr, err = n.fs.Lstat(ctx, n.path())
	}
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, n.StableAttr().Ino, attr)
	out.SetTimeout(n.timeouts.attr)
	return 0
}

// Setattr supports resizing only; ownership, mode and times are not stored
func (n *treeNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if in.Valid&fuse.FATTR_SIZE != 0 {
		var err error
		if h, ok := fh.(*fileHandle); ok {
			err = n.fs.Ftruncate(ctx, h.fd, int64(in.Size))
		} else {
			err = n.fs.Truncate(ctx, n.path(), int64(in.Size))
		}
		if err != nil {
			return toErrno(err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

func (n *treeNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dir := n.path()
	entries, err := n.fs.ReadDir(ctx, dir)
	if err != nil {
		return nil, toErrno(err)
	}
	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		de := fuse.DirEntry{Name: e.Name, Mode: e.Kind.TypeBits()}
		if node, err := n.fs.LookupLink(ctx, path.Join(dir, e.Name)); err == nil {
			de.Ino = node.NodeID()
		}
		out = append(out, de)
	}
	return fs.NewListDirStream(out), 0
}

func (n *treeNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fd, err := n.fs.Open(ctx, n.path(), int(flags)&^os.O_CREATE, 0)
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{fs: n.fs, fd: fd}, 0, 0
}

func (n *treeNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	fd, err := n.fs.Open(ctx, n.child(name), int(flags)|os.O_CREATE, mode)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fh := &fileHandle{fs: n.fs, fd: fd}
	node, err := n.fs.NodeByFD(fd)
	if err != nil {
		_ = fh.Release(ctx)
		return nil, nil, 0, toErrno(err)
	}
	inode, errno := n.newChild(ctx, node, out)
	if errno != 0 {
		_ = fh.Release(ctx)
		return nil, nil, 0, errno
	}
	return inode, fh, 0, 0
}

func (n *treeNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, err := n.fs.Mkdir(ctx, n.child(name), mode)
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, node, out)
}

func (n *treeNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	node, err := n.fs.Symlink(ctx, target, n.child(name))
	if err != nil {
		return nil, toErrno(err)
	}
	return n.newChild(ctx, node, out)
}

func (n *treeNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fs.Readlink(ctx, n.path())
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

func (n *treeNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fs.Unlink(ctx, n.child(name)))
}

func (n *treeNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return toErrno(n.fs.Rmdir(ctx, n.child(name)))
}

// Rename supports plain renames; RENAME_EXCHANGE and RENAME_NOREPLACE are refused
func (n *treeNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	dst := path.Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	return toErrno(n.fs.Rename(ctx, n.child(name), dst))
}

// fileHandle is an open descriptor of the filesystem
type fileHandle struct {
	fs *filesystem.FileSystem
	fd int
}

var (
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileWriter   = (*fileHandle)(nil)
	_ fs.FileFlusher  = (*fileHandle)(nil)
	_ fs.FileFsyncer  = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.fs.Pread(ctx, h.fd, dest, off)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := h.fs.Pwrite(ctx, h.fd, data, off)
	if err != nil && n == 0 {
		return 0, toErrno(err)
	}
	return uint32(n), 0
}

// Flush pushes buffered writes so close(2) reports upload failures
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return toErrno(h.fs.Fsync(ctx, h.fd))
}

func (h *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return toErrno(h.fs.Fsync(ctx, h.fd))
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.fs.Close(ctx, h.fd); err != nil {
		logger := util.GetLogger("Fuse.Release")
		logger.Warn().Err(err).Int("fd", h.fd).Msg("Close failed")
		return toErrno(err)
	}
	return 0
}
