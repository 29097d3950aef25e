package mountfs

// PreloadRequest is a node the startup coordinator materializes before the
// hosted program runs. Parent directories are created as needed and each node
// lands in whichever backend covers its path at preload time.
type PreloadRequest struct {
	Path  string
	Type  PreloadType
	UUID  string // Optional identifier for tracing a manifest entry
	Perms uint32 // i.e. 0755

	// File content. HostPath is read from the host when Data is nil.
	Data     []byte
	HostPath string
}

// PreloadType valid types are PreloadFile "file", PreloadDir "dir"
type PreloadType string

const (
	PreloadFile PreloadType = "file"
	PreloadDir  PreloadType = "dir"
)
