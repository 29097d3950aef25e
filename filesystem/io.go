package filesystem

import (
	"context"
	"io"
	"os"

	"github.com/brettbedarf/mountfs"
)

// Read reads from fd at its current offset and advances it
func (fs *FileSystem) Read(ctx context.Context, fd int, p []byte) (int, error) {
	f, err := fs.ioFile(fd)
	if err != nil {
		return 0, err
	}
	if !f.readable() {
		return 0, mountfs.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.handle.ReadAt(ctx, p, f.offset)
	f.offset += int64(n)
	return n, errnoOf(err)
}

// Write writes to fd at its current offset, or at the end of the file with
// O_APPEND, and advances the offset
func (fs *FileSystem) Write(ctx context.Context, fd int, p []byte) (int, error) {
	f, err := fs.ioFile(fd)
	if err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, mountfs.EBADF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flags&os.O_APPEND != 0 {
		f.node.Invalidate()
		attr, err := fs.stat(ctx, f.node)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size
	}
	n, err := f.handle.WriteAt(ctx, p, f.offset)
	f.offset += int64(n)
	f.node.Invalidate()
	return n, errnoOf(err)
}

// Pread reads at off without moving the descriptor offset
func (fs *FileSystem) Pread(ctx context.Context, fd int, p []byte, off int64) (int, error) {
	f, err := fs.ioFile(fd)
	if err != nil {
		return 0, err
	}
	if !f.readable() {
		return 0, mountfs.EBADF
	}
	if off < 0 {
		return 0, mountfs.EINVAL
	}
	n, err := f.handle.ReadAt(ctx, p, off)
	return n, errnoOf(err)
}

// Pwrite writes at off without moving the descriptor offset
func (fs *FileSystem) Pwrite(ctx context.Context, fd int, p []byte, off int64) (int, error) {
	f, err := fs.ioFile(fd)
	if err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, mountfs.EBADF
	}
	if off < 0 {
		return 0, mountfs.EINVAL
	}
	n, err := f.handle.WriteAt(ctx, p, off)
	f.node.Invalidate()
	return n, errnoOf(err)
}

// Seek sets the offset of fd using io.Seek* whence values
func (fs *FileSystem) Seek(ctx context.Context, fd int, off int64, whence int) (int64, error) {
	f, err := fs.file(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		attr, err := fs.stat(ctx, f.node)
		if err != nil {
			return 0, err
		}
		base = attr.Size
	default:
		return 0, mountfs.EINVAL
	}
	if base+off < 0 {
		return 0, mountfs.EINVAL
	}
	f.offset = base + off
	return f.offset, nil
}

// Ftruncate resizes the file open at fd
func (fs *FileSystem) Ftruncate(ctx context.Context, fd int, size int64) error {
	f, err := fs.ioFile(fd)
	if err != nil {
		return err
	}
	if !f.writable() || size < 0 {
		return mountfs.EINVAL
	}
	defer f.node.Invalidate()
	return errnoOf(f.node.backend.Truncate(ctx, f.node.key, size))
}

// Fstat returns the attributes of the node open at fd
func (fs *FileSystem) Fstat(ctx context.Context, fd int) (mountfs.Attr, error) {
	f, err := fs.file(fd)
	if err != nil {
		return mountfs.Attr{}, err
	}
	return fs.stat(ctx, f.node)
}

// Fsync flushes buffered writes of backends that buffer them
func (fs *FileSystem) Fsync(ctx context.Context, fd int) error {
	f, err := fs.file(fd)
	if err != nil {
		return err
	}
	s, ok := f.handle.(mountfs.Syncer)
	if !ok {
		return nil
	}
	defer f.node.Invalidate()
	return errnoOf(s.Sync(ctx))
}

// ioFile returns the description at fd, rejecting directories
func (fs *FileSystem) ioFile(fd int) (*openFile, error) {
	f, err := fs.file(fd)
	if err != nil {
		return nil, err
	}
	if f.handle == nil {
		return nil, mountfs.EISDIR
	}
	return f, nil
}
