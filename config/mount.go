package config

import (
	"errors"
	"fmt"
	"path"
)

// MountOptions holds high-level settings for the FUSE mount.
// No go-fuse types are exposed here.
type MountOptions struct {
	Debug  bool   // fuse debug logs
	FsName string // mount's FsName
	Name   string // mount's Name
}

// Backend types understood by [BackendSpec.Type]
const (
	BackendMemory  = "memory"
	BackendICase   = "icase"
	BackendHost    = "host"
	BackendFetch   = "fetch"
	BackendObjects = "s3"
)

// BackendSpec declares a backend to construct. Which fields apply depends on Type.
type BackendSpec struct {
	Type string `yaml:"type" json:"type"`

	HostRoot string `yaml:"host_root,omitempty" json:"host_root,omitempty"` // host
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`             // fetch

	// s3
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	Inner *BackendSpec `yaml:"inner,omitempty" json:"inner,omitempty"` // icase
}

// Validate checks that the fields required by Type are set
func (s *BackendSpec) Validate() error {
	switch s.Type {
	case BackendMemory:
	case BackendICase:
		if s.Inner == nil {
			return errors.New("icase backend requires inner")
		}
		return s.Inner.Validate()
	case BackendHost:
		if s.HostRoot == "" {
			return errors.New("host backend requires host_root")
		}
	case BackendFetch:
		if s.URL == "" {
			return errors.New("fetch backend requires url")
		}
	case BackendObjects:
		if s.Bucket == "" {
			return errors.New("s3 backend requires bucket")
		}
	default:
		return fmt.Errorf("unknown backend type %q", s.Type)
	}
	return nil
}

// MountSpec attaches a backend at an absolute path of the tree
type MountSpec struct {
	Path    string      `yaml:"path" json:"path"`
	Backend BackendSpec `yaml:"backend" json:"backend"`
}

// Validate checks the mount path and backend
func (m *MountSpec) Validate() error {
	if !path.IsAbs(m.Path) {
		return fmt.Errorf("mount path %q must be absolute", m.Path)
	}
	return m.Backend.Validate()
}
