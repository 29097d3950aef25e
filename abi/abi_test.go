package abi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends/memory"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestABI(t *testing.T) *ABI {
	t.Helper()
	ctx := context.Background()
	fs, err := filesystem.New(ctx, nil, filesystem.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Shutdown(context.Background()) })
	return New(ctx, fs)
}

func TestFileRoundTrip(t *testing.T) {
	t.Parallel()
	a := createTestABI(t)

	require.Zero(t, a.Mkdir("/dir", 0o755))
	fd := a.CreateFile("/dir/f", 0o644, Null)
	require.GreaterOrEqual(t, fd, int32(0))
	assert.Equal(t, int32(5), a.Write(fd, []byte("hello")))
	require.Zero(t, a.Close(fd))

	fd = a.Open("/dir/f", int32(os.O_RDONLY), 0)
	require.GreaterOrEqual(t, fd, int32(0))
	buf := make([]byte, 16)
	n := a.Read(fd, buf)
	assert.Equal(t, "hello", string(buf[:n]))
	require.Zero(t, a.Close(fd))

	require.Zero(t, a.Rename("/dir/f", "/g"))
	require.Zero(t, a.Rmdir("/dir"))
	require.Zero(t, a.Unlink("/g"))
}

func TestNegativeErrno(t *testing.T) {
	t.Parallel()
	a := createTestABI(t)

	assert.Equal(t, mountfs.ENOENT.Neg(), a.Open("/missing", int32(os.O_RDONLY), 0))
	assert.Equal(t, mountfs.EBADF.Neg(), a.Close(42))
	assert.Equal(t, mountfs.EBADF.Neg(), a.Read(-1, make([]byte, 1)))
	assert.Equal(t, mountfs.ENOENT.Neg(), a.Unlink("/missing"))

	require.Zero(t, a.Mkdir("/d", 0o755))
	assert.Equal(t, mountfs.EEXIST.Neg(), a.Mkdir("/d", 0o755))
	fd := a.CreateFile("/d/f", 0o644, Null)
	require.GreaterOrEqual(t, fd, int32(0))
	assert.Equal(t, mountfs.ENOTEMPTY.Neg(), a.Rmdir("/d"))
	assert.ErrorIs(t, Errno(a.Rmdir("/d")), mountfs.ENOTEMPTY)
	assert.NoError(t, Errno(fd))

	assert.Equal(t, mountfs.EINVAL.Neg(), a.CreateFile("/x", 0o644, BackendHandle(99)))
}

func TestBackendHandles(t *testing.T) {
	t.Parallel()
	a := createTestABI(t)

	root := a.GetBackendByPath("/")
	require.NotEqual(t, Null, root)
	assert.Equal(t, root, a.GetBackendByPath("/"), "one backend keeps one handle")
	assert.Equal(t, Null, a.GetBackendByPath("/missing"))
	assert.Equal(t, Null, a.GetBackendByFD(7))

	mem := a.CreateMemoryBackend()
	require.NotEqual(t, Null, mem)
	assert.NotEqual(t, root, mem)

	require.Zero(t, a.CreateDirectory("/mnt", 0o755, mem))
	assert.Equal(t, mem, a.GetBackendByPath("/mnt"))

	fd := a.CreateFile("/mnt/f", 0o644, Null)
	require.GreaterOrEqual(t, fd, int32(0))
	assert.Equal(t, mem, a.GetBackendByFD(fd))

	assert.Equal(t, mountfs.EBUSY.Neg(), a.DestroyBackend(mem))
	assert.Equal(t, mountfs.EBUSY.Neg(), a.DestroyBackend(root))
	assert.Equal(t, mountfs.EINVAL.Neg(), a.DestroyBackend(Null))
}

func TestDestroyUnusedBackend(t *testing.T) {
	t.Parallel()
	a := createTestABI(t)

	h := a.CreateMemoryBackend()
	require.Zero(t, a.DestroyBackend(h))
	_, ok := a.Backend(h)
	assert.False(t, ok)
}

func TestCreateBackends(t *testing.T) {
	t.Parallel()
	a := createTestABI(t)

	ic := a.CreateICaseBackend(memory.Constructor, nil)
	require.NotEqual(t, Null, ic)
	require.Zero(t, a.CreateDirectory("/ci", 0o755, ic))
	fd := a.CreateFile("/ci/Readme", 0o644, Null)
	require.GreaterOrEqual(t, fd, int32(0))
	require.Zero(t, a.Close(fd))
	fd = a.Open("/ci/README", int32(os.O_RDONLY), 0)
	assert.GreaterOrEqual(t, fd, int32(0))

	assert.Equal(t, Null, a.CreateICaseBackend(nil, nil))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "on-host"), []byte("x"), 0o644))
	host := a.CreateNodeBackend(dir)
	require.NotEqual(t, Null, host)
	require.Zero(t, a.CreateDirectory("/host", 0o755, host))
	fd = a.Open("/host/on-host", int32(os.O_RDONLY), 0)
	assert.GreaterOrEqual(t, fd, int32(0))
	assert.Equal(t, Null, a.CreateNodeBackend(filepath.Join(dir, "missing")))

	assert.NotEqual(t, Null, a.CreateFetchBackend("https://example.com/assets"))
	assert.Equal(t, Null, a.CreateFetchBackend("file:///etc"))
}

func TestCreateFile_OpenFailureLeavesNothing(t *testing.T) {
	t.Parallel()
	a := createTestABI(t)

	// files declared on a fetch backend are read-only
	h := a.CreateFetchBackend("http://127.0.0.1:1/files")
	require.NotEqual(t, Null, h)
	t.Cleanup(func() { a.DestroyBackend(h) })

	assert.Equal(t, mountfs.EROFS.Neg(), a.CreateFile("/remote.txt", 0o644, h))
	assert.Equal(t, mountfs.ENOENT.Neg(), a.Open("/remote.txt", int32(os.O_RDONLY), 0))

	fd := a.CreateFile("/local.txt", 0o644, Null)
	require.GreaterOrEqual(t, fd, int32(0))
	node, err := a.FileSystem().NodeByFD(int(fd))
	require.NoError(t, err)
	cur, err := a.FileSystem().Lookup(context.Background(), "/local.txt")
	require.NoError(t, err)
	assert.Same(t, cur, node, "the descriptor refers to the created node")
	require.Zero(t, a.Close(fd))
}
