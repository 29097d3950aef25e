package icase

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends/memory"
	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestFS(t *testing.T) *filesystem.FileSystem {
	t.Helper()
	fs, err := filesystem.New(context.Background(), nil, filesystem.Options{
		RootBackend: func(*config.Config) (mountfs.Backend, error) {
			return New(memory.Constructor, nil)
		},
	})
	require.NoError(t, err)
	return fs
}

func TestNew_NilConstructor(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil)
	assert.ErrorIs(t, err, mountfs.EINVAL)

	_, err = Constructor("not an Inner")
	assert.Error(t, err)

	b, err := Constructor(Inner{Ctor: memory.Constructor})
	require.NoError(t, err)
	assert.Equal(t, "icase(memory)", b.Kind())
}

func TestLookup_PreservesCase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := createTestFS(t)

	created, err := fs.CreateFile(ctx, "/Foo", 0o644, nil)
	require.NoError(t, err)

	for _, p := range []string{"/foo", "/FOO", "/fOo"} {
		n, err := fs.Lookup(ctx, p)
		require.NoError(t, err, p)
		assert.Same(t, created, n, p)
		assert.Equal(t, "Foo", n.Name())
	}

	entries, err := fs.ReadDir(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Foo", entries[0].Name)

	_, err = fs.Lookup(ctx, "/bar")
	assert.ErrorIs(t, err, mountfs.ENOENT)
}

func TestCreate_DifferentCaseExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := createTestFS(t)

	_, err := fs.Mkdir(ctx, "/Docs", 0o755)
	require.NoError(t, err)
	_, err = fs.Mkdir(ctx, "/DOCS", 0o755)
	assert.ErrorIs(t, err, mountfs.EEXIST)

	_, err = fs.CreateFile(ctx, "/docs/Readme.md", 0o644, nil)
	require.NoError(t, err)
	_, err = fs.Open(ctx, "/DOCS/readme.MD", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	assert.ErrorIs(t, err, mountfs.EEXIST)

	p, err := func() (string, error) {
		n, err := fs.Lookup(ctx, "/docs/README.md")
		if err != nil {
			return "", err
		}
		return n.Path()
	}()
	require.NoError(t, err)
	assert.Equal(t, "/Docs/Readme.md", p)
}

func TestCreate_ConcurrentSpellings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := createTestFS(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []string{"/A", "/a"} {
		wg.Go(func() {
			_, errs[i] = fs.CreateFile(ctx, p, 0o644, nil)
		})
	}
	wg.Wait()

	var ok, exists int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case mountfs.ToErrno(err) == mountfs.EEXIST:
			exists++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exists)

	entries, err := fs.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUnlink_DifferentCase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := createTestFS(t)

	_, err := fs.CreateFile(ctx, "/Notes.txt", 0o644, nil)
	require.NoError(t, err)
	require.NoError(t, fs.Unlink(ctx, "/NOTES.TXT"))

	_, err = fs.Lookup(ctx, "/notes.txt")
	assert.ErrorIs(t, err, mountfs.ENOENT)

	_, err = fs.Mkdir(ctx, "/Dir", 0o755)
	require.NoError(t, err)
	require.NoError(t, fs.Rmdir(ctx, "/dir"))
	entries, err := fs.ReadDir(ctx, "/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRename_DifferentCase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := createTestFS(t)

	_, err := fs.Mkdir(ctx, "/Src", 0o755)
	require.NoError(t, err)
	_, err = fs.Mkdir(ctx, "/Dst", 0o755)
	require.NoError(t, err)
	_, err = fs.CreateFile(ctx, "/Src/File", 0o644, nil)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, "/src/file", "/dst/Moved"))
	n, err := fs.Lookup(ctx, "/DST/MOVED")
	require.NoError(t, err)
	assert.Equal(t, "Moved", n.Name())

	// respelling an entry in place
	require.NoError(t, fs.Rename(ctx, "/dst/moved", "/dst/MOVED"))
	entries, err := fs.ReadDir(ctx, "/Dst")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "MOVED", entries[0].Name)
}

func TestStored_Direct(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b := Wrap(memory.New())
	root, err := b.Root(ctx)
	require.NoError(t, err)

	_, err = b.Create(ctx, root.Key, "Ünïcode", 0o644)
	require.NoError(t, err)

	e, err := b.Lookup(ctx, root.Key, "üNÏCODE")
	require.NoError(t, err)
	assert.Equal(t, "Ünïcode", e.Name)

	_, err = b.Create(ctx, root.Key, "ÜNÏCODE", 0o644)
	assert.ErrorIs(t, err, mountfs.EEXIST)

	// detached files skip folding
	d, err := b.Create(ctx, nil, "loose", 0o644)
	require.NoError(t, err)
	require.NoError(t, b.Unlink(ctx, nil, "loose", d.Key))
}
