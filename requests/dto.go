package requests

import "github.com/brettbedarf/mountfs"

// NodeRequestDTO is the manifest representation of [mountfs.PreloadRequest]
type NodeRequestDTO struct {
	Path  string              `json:"path" yaml:"path"`
	Type  mountfs.PreloadType `json:"type" yaml:"type"`
	UUID  *string             `json:"uuid,omitempty" yaml:"uuid,omitempty"`   // Optional id to trace the entry in logs
	Perms *uint32             `json:"perms,omitempty" yaml:"perms,omitempty"` // i.e. 0755

	// File content, at most one of these. A file without any is created empty.
	Content       *string `json:"content,omitempty" yaml:"content,omitempty"`               // inline text
	ContentBase64 *string `json:"content_base64,omitempty" yaml:"content_base64,omitempty"` // inline binary
	HostPath      *string `json:"host_path,omitempty" yaml:"host_path,omitempty"`           // read from the host at preload time
}
