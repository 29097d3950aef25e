package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/brettbedarf/mountfs/internal/util"
	"gopkg.in/yaml.v3"
)

// CLI style verbosity values accepted by [ConfigOverride.LogLvl]
const (
	ErrorVerbose = iota + 1
	WarnVerbose
	InfoVerbose
	DebugVerbose
	TraceVerbose
)

// Default configuration constants. See [Config] for field descriptions.
const (
	DefaultLogLvl = util.InfoLevel

	// DefaultMaxOpenFiles bounds the descriptor table
	DefaultMaxOpenFiles = 1024

	// DefaultMaxSymlinkHops matches the Linux MAXSYMLINKS bound
	DefaultMaxSymlinkHops = 40

	// DefaultFetchRetries is the number of attempts a remote backend makes
	// before reporting EIO
	DefaultFetchRetries = 3

	// DefaultFetchCacheEntries is the number of file bodies a fetch backend keeps
	DefaultFetchCacheEntries = 64

	// DefaultAttrTimeout is the FUSE attribute cache timeout in seconds
	DefaultAttrTimeout = 1.0

	// DefaultEntryTimeout is the FUSE directory entry cache timeout in seconds
	DefaultEntryTimeout = 1.0

	DefaultFsName = "mountfs"
	DefaultName   = "mountfs"
)

// Config contains runtime configuration values for the filesystem
type Config struct {
	MountOptions
	LogLvl            util.LogLevel // Internal log level (Default Info)
	MaxOpenFiles      int           // Maximum simultaneously open descriptors (Default 1024)
	MaxSymlinkHops    int           // Symlinks followed during one resolution (Default 40)
	FetchRetries      int           // Attempts per remote request (Default 3)
	FetchCacheEntries int           // Cached remote file bodies per fetch backend (Default 64)
	AttrTimeout       float64       // FUSE attribute cache timeout in seconds (Default 1.0)
	EntryTimeout      float64       // FUSE directory entry cache timeout in seconds (Default 1.0)

	// Declarative tree layout consumed by cmd
	Root    *BackendSpec // Root backend; memory when nil
	Mounts  []MountSpec  // Backends mounted after the root is ready
	Preload string       // Path to a preload manifest
}

// ConfigOverride uses pointer fields to distinguish between unset and zero values
// when loading partial configuration. See [Config] for field descriptions.
type ConfigOverride struct {
	LogLvl            *int         `yaml:"log_lvl,omitempty" json:"log_lvl,omitempty"` // verbosity 1..5
	MaxOpenFiles      *int         `yaml:"max_open_files,omitempty" json:"max_open_files,omitempty"`
	MaxSymlinkHops    *int         `yaml:"max_symlink_hops,omitempty" json:"max_symlink_hops,omitempty"`
	FetchRetries      *int         `yaml:"fetch_retries,omitempty" json:"fetch_retries,omitempty"`
	FetchCacheEntries *int         `yaml:"fetch_cache_entries,omitempty" json:"fetch_cache_entries,omitempty"`
	AttrTimeout       *float64     `yaml:"attr_timeout,omitempty" json:"attr_timeout,omitempty"`
	EntryTimeout      *float64     `yaml:"entry_timeout,omitempty" json:"entry_timeout,omitempty"`
	FsName            *string      `yaml:"fs_name,omitempty" json:"fs_name,omitempty"`
	Name              *string      `yaml:"name,omitempty" json:"name,omitempty"`
	Debug             *bool        `yaml:"debug,omitempty" json:"debug,omitempty"`
	Root              *BackendSpec `yaml:"root,omitempty" json:"root,omitempty"`
	Mounts            []MountSpec  `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	Preload           *string      `yaml:"preload,omitempty" json:"preload,omitempty"`
}

// NewDefaultConfig creates a new Config with all default values.
func NewDefaultConfig() *Config {
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

// NewConfig returns the defaults with override applied (if any)
func NewConfig(override *ConfigOverride) *Config {
	cfg := NewDefaultConfig()
	if override != nil {
		cfg.Merge(override)
	}
	return cfg
}

// Merge applies non-nil values from override onto this Config.
// This allows partial configuration updates while preserving existing values.
func (c *Config) Merge(override *ConfigOverride) {
	if override.LogLvl != nil {
		c.LogLvl = util.VerbosityToLevel(*override.LogLvl)
	}
	if override.MaxOpenFiles != nil {
		c.MaxOpenFiles = *override.MaxOpenFiles
	}
	if override.MaxSymlinkHops != nil {
		c.MaxSymlinkHops = *override.MaxSymlinkHops
	}
	if override.FetchRetries != nil {
		c.FetchRetries = *override.FetchRetries
	}
	if override.FetchCacheEntries != nil {
		c.FetchCacheEntries = *override.FetchCacheEntries
	}
	if override.AttrTimeout != nil {
		c.AttrTimeout = *override.AttrTimeout
	}
	if override.EntryTimeout != nil {
		c.EntryTimeout = *override.EntryTimeout
	}
	if override.FsName != nil {
		c.FsName = *override.FsName
	}
	if override.Name != nil {
		c.Name = *override.Name
	}
	if override.Debug != nil {
		c.Debug = *override.Debug
	}
	if override.Root != nil {
		c.Root = override.Root
	}
	if override.Mounts != nil {
		c.Mounts = override.Mounts
	}
	if override.Preload != nil {
		c.Preload = *override.Preload
	}
}

// LoadConfigOverrideFile loads configuration overrides from a file without merging.
// Supports both YAML (.yaml, .yml) and JSON (.json) formats.
func LoadConfigOverrideFile(path string) (*ConfigOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var override ConfigOverride

	// Determine format by file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension: %s", path)
	}

	for i, m := range override.Mounts {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("mounts[%d]: %w", i, err)
		}
	}
	if override.Root != nil {
		if err := override.Root.Validate(); err != nil {
			return nil, fmt.Errorf("root: %w", err)
		}
	}

	return &override, nil
}

// NewConfigFromFile creates a new Config by merging file overrides with defaults.
// This is a convenience function that combines NewDefaultConfig, LoadConfigOverrideFile, and Merge.
func NewConfigFromFile(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	override, err := LoadConfigOverrideFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Merge(override)
	return cfg, nil
}
