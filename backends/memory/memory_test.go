package memory

import (
	"context"
	"testing"

	"github.com/brettbedarf/mountfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rootKey(t *testing.T, b *Backend) mountfs.Key {
	t.Helper()
	e, err := b.Root(context.Background())
	require.NoError(t, err)
	return e.Key
}

func TestCreateLookup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	root := rootKey(t, b)

	e, err := b.Create(ctx, root, "a.txt", 0o640)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", e.Name)
	assert.Equal(t, mountfs.ModeFile|0o640, e.Attr.Mode)

	got, err := b.Lookup(ctx, root, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, e.Key, got.Key)

	_, err = b.Create(ctx, root, "a.txt", 0o644)
	assert.ErrorIs(t, err, mountfs.EEXIST)

	_, err = b.Lookup(ctx, root, "missing")
	assert.ErrorIs(t, err, mountfs.ENOENT)

	_, err = b.Lookup(ctx, e.Key, "x")
	assert.ErrorIs(t, err, mountfs.ENOTDIR)
}

func TestHandleReadWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	e, err := b.Create(ctx, rootKey(t, b), "f", 0o644)
	require.NoError(t, err)

	h, err := b.Open(ctx, e.Key, 0)
	require.NoError(t, err)
	defer h.Close(ctx)

	n, err := h.WriteAt(ctx, []byte("hello"), 3)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	attr, err := b.Stat(ctx, e.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(8), attr.Size)

	buf := make([]byte, 16)
	n, err = h.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00\x00hello"), buf[:n])

	n, err = h.ReadAt(ctx, buf, 8)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, b.Truncate(ctx, e.Key, 4))
	require.NoError(t, b.Truncate(ctx, e.Key, 6))
	n, err = h.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x00\x00\x00h\x00\x00"), buf[:n], "grown region must read as zeros")
}

func TestRename(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	root := rootKey(t, b)

	d, err := b.Mkdir(ctx, root, "d", 0o755)
	require.NoError(t, err)
	sub, err := b.Mkdir(ctx, d.Key, "sub", 0o755)
	require.NoError(t, err)
	f, err := b.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	g, err := b.Create(ctx, d.Key, "g", 0o644)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Rename(ctx, d.Key, root, "d", sub.Key, "d"), mountfs.EINVAL)
	assert.ErrorIs(t, b.Rename(ctx, f.Key, root, "f", root, "d"), mountfs.EISDIR)
	assert.ErrorIs(t, b.Rename(ctx, sub.Key, d.Key, "sub", d.Key, "g"), mountfs.ENOTDIR)
	assert.ErrorIs(t, b.Rename(ctx, f.Key, root, "nope", root, "x"), mountfs.ENOENT)

	// replacing g leaves its storage until reclaimed
	require.NoError(t, b.Rename(ctx, f.Key, root, "f", d.Key, "g"))
	got, err := b.Lookup(ctx, d.Key, "g")
	require.NoError(t, err)
	assert.Equal(t, f.Key, got.Key)

	before := b.Len()
	attr, err := b.Stat(ctx, g.Key)
	require.NoError(t, err)
	assert.Zero(t, attr.Nlink)
	require.NoError(t, b.Reclaim(ctx, g.Key))
	assert.Equal(t, before-1, b.Len())
}

func TestUnlinkReclaim(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	root := rootKey(t, b)

	e, err := b.Create(ctx, root, "f", 0o644)
	require.NoError(t, err)
	h, err := b.Open(ctx, e.Key, 0)
	require.NoError(t, err)
	_, err = h.WriteAt(ctx, []byte("data"), 0)
	require.NoError(t, err)

	require.NoError(t, b.Unlink(ctx, root, "f", e.Key))
	_, err = b.Lookup(ctx, root, "f")
	assert.ErrorIs(t, err, mountfs.ENOENT)

	buf := make([]byte, 4)
	n, err := h.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "data", string(buf[:n]), "unlinked content stays readable")

	require.NoError(t, b.Reclaim(ctx, e.Key))
	_, err = b.Stat(ctx, e.Key)
	assert.ErrorIs(t, err, mountfs.ENOENT)

	assert.ErrorIs(t, b.Reclaim(ctx, root), mountfs.EBUSY)
}

func TestDetachedCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()

	e, err := b.Create(ctx, nil, "orphan", 0o644)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Len())

	entries, err := b.ReadDir(ctx, rootKey(t, b))
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, b.Unlink(ctx, nil, "orphan", e.Key))
	require.NoError(t, b.Reclaim(ctx, e.Key))
	assert.Equal(t, 1, b.Len())
}

func TestRmdir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	root := rootKey(t, b)

	d, err := b.Mkdir(ctx, root, "d", 0o755)
	require.NoError(t, err)
	f, err := b.Create(ctx, d.Key, "f", 0o644)
	require.NoError(t, err)

	assert.ErrorIs(t, b.Rmdir(ctx, root, "d", d.Key), mountfs.ENOTEMPTY)
	assert.ErrorIs(t, b.Unlink(ctx, root, "d", d.Key), mountfs.EISDIR)
	require.NoError(t, b.Unlink(ctx, d.Key, "f", f.Key))
	assert.ErrorIs(t, b.Rmdir(ctx, d.Key, "f", f.Key), mountfs.ENOENT)
	require.NoError(t, b.Rmdir(ctx, root, "d", d.Key))

	entries, err := b.ReadDir(ctx, root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSymlink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	root := rootKey(t, b)

	e, err := b.Symlink(ctx, root, "ln", "/target")
	require.NoError(t, err)
	assert.Equal(t, mountfs.KindSymlink, e.Attr.Kind())
	assert.Equal(t, int64(len("/target")), e.Attr.Size)

	target, err := b.Readlink(ctx, e.Key)
	require.NoError(t, err)
	assert.Equal(t, "/target", target)

	_, err = b.Readlink(ctx, root)
	assert.ErrorIs(t, err, mountfs.EINVAL)
}

func TestReadDirSorted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := New()
	root := rootKey(t, b)

	for _, name := range []string{"c", "a", "b"} {
		_, err := b.Create(ctx, root, name, 0o644)
		require.NoError(t, err)
	}
	_, err := b.Mkdir(ctx, root, "dir", 0o755)
	require.NoError(t, err)

	entries, err := b.ReadDir(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []mountfs.DirEntry{
		{Name: "a", Kind: mountfs.KindFile},
		{Name: "b", Kind: mountfs.KindFile},
		{Name: "c", Kind: mountfs.KindFile},
		{Name: "dir", Kind: mountfs.KindDir},
	}, entries)
}
