package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/brettbedarf/mountfs/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestNewConfig_WithNilOverride tests that NewConfig creates a config with all default values
// when no override is provided.
func TestNewConfig_WithNilOverride(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(nil)

	require.NotNil(t, cfg)
	assert.Equal(t, createDefaultCfg(), cfg, "must use default values when no config provided")
}

// TestNewConfig_WithAllOverride tests that NewConfig properly applies overrides while
// preserving defaults for unset fields.
func TestNewConfig_WithAllOverride(t *testing.T) {
	t.Parallel()

	override := createOverride()
	override.LogLvl = util.Pointer(TraceVerbose)
	cfg := NewConfig(override)

	expCfg := &Config{
		MountOptions: MountOptions{
			Debug:  true,
			FsName: "test_fs",
			Name:   "test_name",
		},
		LogLvl:            util.TraceLevel,
		MaxOpenFiles:      *override.MaxOpenFiles,
		MaxSymlinkHops:    *override.MaxSymlinkHops,
		FetchRetries:      *override.FetchRetries,
		FetchCacheEntries: *override.FetchCacheEntries,
		AttrTimeout:       *override.AttrTimeout,
		EntryTimeout:      *override.EntryTimeout,
		Root:              override.Root,
		Mounts:            override.Mounts,
		Preload:           *override.Preload,
	}
	require.NotNil(t, cfg)
	assert.Equal(t, expCfg, cfg, "must override all provided fields")
}

func TestConfig_Merge_LogLvlConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		verboseValue  int
		expectedLevel util.LogLevel
	}{
		{"verbose_1_error", 1, util.ErrorLevel},
		{"verbose_2_warn", 2, util.WarnLevel},
		{"verbose_3_info", 3, util.InfoLevel},
		{"verbose_4_debug", 4, util.DebugLevel},
		{"verbose_5_trace", 5, util.TraceLevel},
		{"verbose_0_clamped_to_1", 0, util.ErrorLevel},     // clamped to 1
		{"verbose_100_clamped_to_5", 100, util.TraceLevel}, // clamped to 5
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			override := &ConfigOverride{
				LogLvl: &tt.verboseValue,
			}

			cfg := NewConfig(override)

			assert.Equal(t, tt.expectedLevel, cfg.LogLvl,
				"CLI verbose %d should map to util.LogLevel %v", tt.verboseValue, tt.expectedLevel)
		})
	}
}

func TestConfig_Merge_NilOverrideVals(t *testing.T) {
	t.Parallel()

	cfg := NewConfig(&ConfigOverride{})

	require.NotNil(t, cfg)
	assert.Equal(t, createDefaultCfg(), cfg, "must use default values for nil override fields")
}

func TestConfig_Merge_PartialOverride(t *testing.T) {
	t.Parallel()

	override := &ConfigOverride{
		FsName:       util.Pointer("test_fs"),
		MaxOpenFiles: util.Pointer(DefaultMaxOpenFiles + 1),
	}
	cfg := NewConfig(override)

	expCfg := createDefaultCfg()
	expCfg.FsName = "test_fs"
	expCfg.MaxOpenFiles = DefaultMaxOpenFiles + 1

	require.NotNil(t, cfg)
	assert.Equal(t, expCfg, cfg, "must override all provided fields and leave rest default")
}

func TestLoadConfigOverrideFile_Valid(t *testing.T) {
	t.Parallel()

	type tc struct {
		ext   string
		build func() (*ConfigOverride, []byte)
	}

	cases := []tc{
		{
			ext: ".yaml",
			build: func() (*ConfigOverride, []byte) {
				o := createOverride()
				b, err := yaml.Marshal(o)
				require.NoError(t, err)
				return o, b
			},
		},
		{
			ext: ".yml",
			build: func() (*ConfigOverride, []byte) {
				o := createOverride()
				b, err := yaml.Marshal(o)
				require.NoError(t, err)
				return o, b
			},
		},
		{
			ext: ".json",
			build: func() (*ConfigOverride, []byte) {
				o := createOverride()
				b, err := json.Marshal(o)
				require.NoError(t, err)
				return o, b
			},
		},
	}

	for _, c := range cases {
		name := "valid" + c.ext
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			override, data := c.build()
			dir := t.TempDir()
			path := filepath.Join(dir, "override"+c.ext)
			require.NoError(t, os.WriteFile(path, data, 0o600))

			loaded, err := LoadConfigOverrideFile(path)

			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, *override, *loaded)
		})
	}
}

func TestLoadConfigOverrideFile_YAMLLayout(t *testing.T) {
	t.Parallel()

	doc := `
max_open_files: 16
root:
  type: memory
mounts:
  - path: /data
    backend:
      type: icase
      inner:
        type: host
        host_root: /srv/data
  - path: /remote
    backend:
      type: fetch
      url: http://localhost:8080/files
preload: nodes.json
`
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := NewConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.MaxOpenFiles)
	require.NotNil(t, cfg.Root)
	assert.Equal(t, BackendMemory, cfg.Root.Type)
	require.Len(t, cfg.Mounts, 2)
	assert.Equal(t, "/data", cfg.Mounts[0].Path)
	require.NotNil(t, cfg.Mounts[0].Backend.Inner)
	assert.Equal(t, "/srv/data", cfg.Mounts[0].Backend.Inner.HostRoot)
	assert.Equal(t, "http://localhost:8080/files", cfg.Mounts[1].Backend.URL)
	assert.Equal(t, "nodes.json", cfg.Preload)
}

func TestLoadConfigOverrideFile_InvalidMount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		doc  string
		msg  string
	}{
		{"relative path", "mounts:\n  - path: data\n    backend:\n      type: memory\n", "must be absolute"},
		{"unknown type", "mounts:\n  - path: /data\n    backend:\n      type: tape\n", "unknown backend type"},
		{"icase without inner", "mounts:\n  - path: /data\n    backend:\n      type: icase\n", "requires inner"},
		{"host without root", "root:\n  type: host\n", "requires host_root"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "cfg.yml")
			require.NoError(t, os.WriteFile(path, []byte(tt.doc), 0o600))

			_, err := LoadConfigOverrideFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

// TestLoadConfigOverrideFile_NonExistentFile tests error handling
// when trying to load a file that doesn't exist.
func TestLoadConfigOverrideFile_NonExistentFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "does_not_exist.yaml")

	_, err := LoadConfigOverrideFile(path)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err), "expected not exist error, got %v", err)
}

// TestLoadConfigOverrideFile_UnsupportedExtension tests error handling
// for file extensions that aren't supported (.txt, .xml, etc).
func TestLoadConfigOverrideFile_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "override.txt")
	require.NoError(t, os.WriteFile(path, []byte("max_open_files: 1"), 0o600))

	_, err := LoadConfigOverrideFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config file extension")
}

func TestNewConfigFromFile_FileError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.json")

	_, err := NewConfigFromFile(path)
	require.Error(t, err)
}

func createDefaultCfg() *Config {
	return &Config{
		MountOptions: MountOptions{
			FsName: DefaultFsName,
			Name:   DefaultName,
		},
		LogLvl:            DefaultLogLvl,
		MaxOpenFiles:      DefaultMaxOpenFiles,
		MaxSymlinkHops:    DefaultMaxSymlinkHops,
		FetchRetries:      DefaultFetchRetries,
		FetchCacheEntries: DefaultFetchCacheEntries,
		AttrTimeout:       DefaultAttrTimeout,
		EntryTimeout:      DefaultEntryTimeout,
	}
}

// createOverride makes a ConfigOverride with all non-default values
func createOverride() *ConfigOverride {
	testLogVerbose := TraceVerbose
	if DefaultLogLvl == util.TraceLevel {
		testLogVerbose = DebugVerbose
	}
	return &ConfigOverride{
		LogLvl:            util.Pointer(testLogVerbose),
		MaxOpenFiles:      util.Pointer(DefaultMaxOpenFiles + 1),
		MaxSymlinkHops:    util.Pointer(DefaultMaxSymlinkHops + 1),
		FetchRetries:      util.Pointer(DefaultFetchRetries + 1),
		FetchCacheEntries: util.Pointer(DefaultFetchCacheEntries + 1),
		AttrTimeout:       util.Pointer(float64(DefaultAttrTimeout + 1)),
		EntryTimeout:      util.Pointer(float64(DefaultEntryTimeout + 1)),
		FsName:            util.Pointer("test_fs"),
		Name:              util.Pointer("test_name"),
		Debug:             util.Pointer(true),
		Root:              &BackendSpec{Type: BackendMemory},
		Mounts: []MountSpec{
			{Path: "/data", Backend: BackendSpec{Type: BackendHost, HostRoot: "/srv"}},
		},
		Preload: util.Pointer("nodes.json"),
	}
}
