package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends/memory"
	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestFS mounts a fresh host temp dir at /host of a memory-rooted tree
func createTestFS(t *testing.T) (*filesystem.FileSystem, string) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing.txt"), []byte("on disk"), 0o644))

	b, err := New(dir)
	require.NoError(t, err)
	fs, err := filesystem.New(ctx, nil, filesystem.Options{
		RootBackend: func(*config.Config) (mountfs.Backend, error) { return memory.New(), nil },
		BeforePreload: func(ctx context.Context, fs *filesystem.FileSystem) error {
			if _, err := fs.Mkdir(ctx, "/host", 0o755); err != nil {
				return err
			}
			return fs.Mount(ctx, "/host", b)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Shutdown(context.Background()) })
	return fs, dir
}

func readAll(t *testing.T, fs *filesystem.FileSystem, p string) string {
	t.Helper()
	ctx := context.Background()
	fd, err := fs.Open(ctx, p, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer fs.Close(ctx, fd)
	buf := make([]byte, 128)
	n, err := fs.Read(ctx, fd, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := New(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = New(file)
	assert.ErrorIs(t, err, mountfs.ENOTDIR)

	_, err = Constructor(42)
	assert.Error(t, err)
}

func TestReadExisting(t *testing.T) {
	t.Parallel()
	fs, _ := createTestFS(t)

	assert.Equal(t, "on disk", readAll(t, fs, "/host/existing.txt"))

	attr, err := fs.Stat(context.Background(), "/host/existing.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(7), attr.Size)
	assert.Equal(t, mountfs.KindFile, attr.Kind())
}

func TestWriteThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, dir := createTestFS(t)

	_, err := fs.Mkdir(ctx, "/host/sub", 0o755)
	require.NoError(t, err)
	fd, err := fs.Open(ctx, "/host/sub/new.txt", os.O_CREATE|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = fs.Write(ctx, fd, []byte("hello host"))
	require.NoError(t, err)
	require.NoError(t, fs.Fsync(ctx, fd))
	require.NoError(t, fs.Close(ctx, fd))

	data, err := os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello host", string(data))

	entries, err := fs.ReadDir(ctx, "/host")
	require.NoError(t, err)
	var got []string
	for _, e := range entries {
		got = append(got, e.Name)
	}
	assert.Equal(t, []string{"existing.txt", "sub"}, got)
}

func TestRenameUnlinkRmdir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, dir := createTestFS(t)

	_, err := fs.Mkdir(ctx, "/host/d", 0o755)
	require.NoError(t, err)
	require.NoError(t, fs.Rename(ctx, "/host/existing.txt", "/host/d/moved.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "existing.txt"))
	assert.FileExists(t, filepath.Join(dir, "d", "moved.txt"))

	// the node keeps resolving after its key was relinked
	assert.Equal(t, "on disk", readAll(t, fs, "/host/d/moved.txt"))

	assert.ErrorIs(t, fs.Rmdir(ctx, "/host/d"), mountfs.ENOTEMPTY)
	assert.ErrorIs(t, fs.Unlink(ctx, "/host/d"), mountfs.EISDIR)
	require.NoError(t, fs.Unlink(ctx, "/host/d/moved.txt"))
	require.NoError(t, fs.Rmdir(ctx, "/host/d"))
	assert.NoDirExists(t, filepath.Join(dir, "d"))
}

func TestUnlinkWhileOpen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, _ := createTestFS(t)

	fd, err := fs.Open(ctx, "/host/existing.txt", os.O_RDONLY, 0)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, "/host/existing.txt"))

	buf := make([]byte, 16)
	n, err := fs.Read(ctx, fd, buf)
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(buf[:n]))
	require.NoError(t, fs.Close(ctx, fd))
}

func TestCrossBackendCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, _ := createTestFS(t)
	b, err := fs.BackendByPath(ctx, "/host")
	require.NoError(t, err)

	// host files cannot live outside a host directory
	_, err = fs.CreateFile(ctx, "/elsewhere.txt", 0o644, b)
	assert.ErrorIs(t, err, mountfs.EXDEV)

	// a memory file can live inside a host directory
	mem := memory.New()
	_, err = fs.CreateFile(ctx, "/host/mem.txt", 0o644, mem)
	require.NoError(t, err)
	got, err := fs.BackendByPath(ctx, "/host/mem.txt")
	require.NoError(t, err)
	assert.Same(t, mem, got)
}

func TestSymlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs, dir := createTestFS(t)

	_, err := fs.Symlink(ctx, "existing.txt", "/host/link")
	require.NoError(t, err)
	target, err := os.Readlink(filepath.Join(dir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "existing.txt", target)
	assert.Equal(t, "on disk", readAll(t, fs, "/host/link"))
}
