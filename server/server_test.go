package server

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/brettbedarf/mountfs/internal/util"
)

func createTestServer(t *testing.T) (*Server, *filesystem.FileSystem) {
	t.Helper()
	ctx := context.Background()
	cfg := config.NewConfig(&config.ConfigOverride{
		AttrTimeout: util.Pointer(0.0),
		Name:        util.Pointer("testfs"),
	})
	fsys, err := filesystem.New(ctx, cfg, filesystem.Options{
		Preload: []*mountfs.PreloadRequest{
			{Path: "/docs/readme.txt", Type: mountfs.PreloadFile, Data: []byte("read me")},
		},
	})
	require.NoError(t, err)
	return New(fsys), fsys
}

func TestToErrno(t *testing.T) {
	t.Parallel()
	assert.Equal(t, syscall.Errno(0), toErrno(nil))
	assert.Equal(t, syscall.ENOENT, toErrno(mountfs.ENOENT))
	assert.Equal(t, syscall.ENOTEMPTY, toErrno(mountfs.ENOTEMPTY))
	assert.Equal(t, syscall.EIO, toErrno(errors.New("connection reset")))
}

func TestFillAttr(t *testing.T) {
	t.Parallel()
	mtime := time.Unix(1700000000, 42)
	var out fuse.Attr
	fillAttr(&out, 7, mountfs.Attr{Mode: mountfs.ModeFile | 0o640, Size: 1000, Mtime: mtime})

	assert.Equal(t, uint64(7), out.Ino)
	assert.Equal(t, mountfs.ModeFile|0o640, out.Mode)
	assert.Equal(t, uint64(1000), out.Size)
	assert.Equal(t, uint64(2), out.Blocks)
	assert.Equal(t, uint32(1), out.Nlink, "nlink is at least one")
	assert.Equal(t, uint64(1700000000), out.Mtime)
	assert.Equal(t, uint32(42), out.Mtimensec)
	assert.Zero(t, out.Atime, "zero time maps to the epoch")
	assert.Equal(t, uint32(os.Getuid()), out.Uid)
}

func TestOptions(t *testing.T) {
	t.Parallel()
	s, _ := createTestServer(t)
	opts := s.Options()

	assert.Equal(t, "testfs", opts.Name)
	assert.Equal(t, config.DefaultFsName, opts.FsName)
	assert.NotNil(t, opts.MountOptions.Logger)
	require.NotNil(t, opts.AttrTimeout)
	assert.Zero(t, *opts.AttrTimeout)
	require.NotNil(t, opts.EntryTimeout)
	assert.Equal(t, time.Second, *opts.EntryTimeout)
}

func TestUnmount_NotMounted(t *testing.T) {
	t.Parallel()
	s, _ := createTestServer(t)
	assert.NoError(t, s.Unmount())
}

// The node tree can be driven through the go-fuse bridge without a kernel mount
func TestBridge_LookupGetAttr(t *testing.T) {
	t.Parallel()
	s, fsys := createTestServer(t)
	raw := fs.NewNodeFS(s.Root(), s.Options())

	var docs fuse.EntryOut
	st := raw.Lookup(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "docs", &docs)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, mountfs.ModeDir, docs.Mode&mountfs.ModeType)

	var file fuse.EntryOut
	st = raw.Lookup(nil, &fuse.InHeader{NodeId: docs.NodeId}, "readme.txt", &file)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint64(len("read me")), file.Size)

	node, err := fsys.Lookup(context.Background(), "/docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, node.NodeID(), file.Ino)

	var attr fuse.AttrOut
	st = raw.GetAttr(nil, &fuse.GetAttrIn{InHeader: fuse.InHeader{NodeId: file.NodeId}}, &attr)
	require.Equal(t, fuse.OK, st)
	assert.Equal(t, uint64(len("read me")), attr.Size)

	var missing fuse.EntryOut
	st = raw.Lookup(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "missing", &missing)
	assert.Equal(t, fuse.ENOENT, st)
}
