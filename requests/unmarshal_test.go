package requests

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalManifest_JSON(t *testing.T) {
	t.Parallel()
	data := []byte(`[
		{"path": "/etc", "type": "dir", "perms": 448},
		{"path": "/etc/motd", "type": "file", "content": "hello", "uuid": "motd-1"},
		{"path": "/bin/blob", "type": "file", "content_base64": "AAEC"},
		{"path": "/empty", "type": "file"}
	]`)

	reqs, err := UnmarshalManifest(data, JSON)
	require.NoError(t, err)
	require.Len(t, reqs, 4)

	assert.Equal(t, mountfs.PreloadDir, reqs[0].Type)
	assert.Equal(t, uint32(0o700), reqs[0].Perms)
	_, err = uuid.Parse(reqs[0].UUID)
	assert.NoError(t, err, "uuid defaults to a fresh one")

	assert.Equal(t, "/etc/motd", reqs[1].Path)
	assert.Equal(t, "motd-1", reqs[1].UUID)
	assert.Equal(t, []byte("hello"), reqs[1].Data)

	assert.Equal(t, []byte{0, 1, 2}, reqs[2].Data)
	assert.Equal(t, []byte{}, reqs[3].Data)
	assert.Zero(t, reqs[3].Perms)
}

func TestUnmarshalManifest_YAML(t *testing.T) {
	t.Parallel()
	data := []byte(`
- path: /data/
  type: dir
- path: /data/cfg.txt
  type: file
  perms: 384
  host_path: /tmp/cfg.txt
`)
	reqs, err := UnmarshalManifest(data, YAML)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "/data", reqs[0].Path, "paths are cleaned")
	assert.Equal(t, "/tmp/cfg.txt", reqs[1].HostPath)
	assert.Nil(t, reqs[1].Data)
	assert.Equal(t, uint32(0o600), reqs[1].Perms)
}

func TestUnmarshalManifest_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
		want string
	}{
		{"relative path", `[{"path": "etc", "type": "dir"}]`, "absolute"},
		{"unknown type", `[{"path": "/x", "type": "socket"}]`, "unknown node type"},
		{"dir with content", `[{"path": "/x", "type": "dir", "content": "a"}]`, "cannot have content"},
		{"two sources", `[{"path": "/x", "type": "file", "content": "a", "host_path": "/b"}]`, "exclusive"},
		{"bad base64", `[{"path": "/x", "type": "file", "content_base64": "!!"}]`, "/x"},
		{"not a list", `{"path": "/x"}`, "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalManifest([]byte(tt.data), JSON)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestFormatOf(t *testing.T) {
	t.Parallel()
	assert.Equal(t, YAML, FormatOf("nodes.yaml"))
	assert.Equal(t, YAML, FormatOf("NODES.YML"))
	assert.Equal(t, JSON, FormatOf("nodes.json"))
	assert.Equal(t, JSON, FormatOf("nodes"))
}

func TestLoadManifestFile_Preload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	host := filepath.Join(dir, "host.txt")
	require.NoError(t, os.WriteFile(host, []byte("from host"), 0o644))
	manifest := filepath.Join(dir, "nodes.yml")
	require.NoError(t, os.WriteFile(manifest, []byte(`
- {path: /a/b, type: dir}
- {path: /a/b/inline, type: file, content: inline}
- {path: /a/copied, type: file, host_path: "`+host+`"}
`), 0o644))

	reqs, err := LoadManifestFile(manifest)
	require.NoError(t, err)

	fs, err := filesystem.New(ctx, nil, filesystem.Options{Preload: reqs})
	require.NoError(t, err)

	for p, want := range map[string]string{"/a/b/inline": "inline", "/a/copied": "from host"} {
		fd, err := fs.Open(ctx, p, os.O_RDONLY, 0)
		require.NoError(t, err)
		buf := make([]byte, 32)
		n, err := fs.Read(ctx, fd, buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
		require.NoError(t, fs.Close(ctx, fd))
	}

	_, err = LoadManifestFile(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
