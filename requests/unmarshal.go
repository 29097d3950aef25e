// Package requests decodes preload manifests: a list of files and directories
// to materialize before the tree is served.
package requests

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/brettbedarf/mountfs"
)

// Format selects the manifest encoding
type Format int

const (
	JSON Format = iota
	YAML
)

// FormatOf picks the encoding by file extension; anything but .yaml/.yml is JSON
func FormatOf(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return JSON
	}
}

// LoadManifestFile reads and decodes the manifest at name
func LoadManifestFile(name string) ([]*mountfs.PreloadRequest, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return UnmarshalManifest(data, FormatOf(name))
}

// UnmarshalManifest decodes a list of node requests
func UnmarshalManifest(data []byte, format Format) ([]*mountfs.PreloadRequest, error) {
	var dtos []NodeRequestDTO
	switch format {
	case YAML:
		if err := yaml.Unmarshal(data, &dtos); err != nil {
			return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &dtos); err != nil {
			return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
		}
	}

	reqs := make([]*mountfs.PreloadRequest, 0, len(dtos))
	for i, dto := range dtos {
		r, err := convertNodeDTO(dto)
		if err != nil {
			return nil, fmt.Errorf("manifest[%d]: %w", i, err)
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// convertNodeDTO validates dto and applies defaults
func convertNodeDTO(dto NodeRequestDTO) (*mountfs.PreloadRequest, error) {
	if !path.IsAbs(dto.Path) {
		return nil, fmt.Errorf("path %q must be absolute", dto.Path)
	}
	r := &mountfs.PreloadRequest{
		Path:  path.Clean(dto.Path),
		Type:  dto.Type,
		UUID:  valueOrDefault(dto.UUID, uuid.New().String()),
		Perms: valueOrDefault(dto.Perms, 0),
	}

	sources := 0
	for _, s := range []*string{dto.Content, dto.ContentBase64, dto.HostPath} {
		if s != nil {
			sources++
		}
	}

	switch dto.Type {
	case mountfs.PreloadDir:
		if sources > 0 {
			return nil, fmt.Errorf("directory %q cannot have content", dto.Path)
		}
	case mountfs.PreloadFile:
		if sources > 1 {
			return nil, fmt.Errorf("file %q: content, content_base64 and host_path are exclusive", dto.Path)
		}
		switch {
		case dto.Content != nil:
			r.Data = []byte(*dto.Content)
		case dto.ContentBase64 != nil:
			data, err := base64.StdEncoding.DecodeString(*dto.ContentBase64)
			if err != nil {
				return nil, fmt.Errorf("file %q: %w", dto.Path, err)
			}
			r.Data = data
		case dto.HostPath != nil:
			r.HostPath = *dto.HostPath
		default:
			r.Data = []byte{}
		}
	default:
		return nil, fmt.Errorf("unknown node type %q", dto.Type)
	}
	return r, nil
}

func valueOrDefault[T any](ptr *T, defaultVal T) T {
	if ptr != nil {
		return *ptr
	}
	return defaultVal
}
