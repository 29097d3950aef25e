package mountfs

// NodeInfo provides read-only access to node information for external consumers
type NodeInfo interface {
	// Name returns the node's name (last path component)
	Name() string

	// NodeID returns the unique node identifier
	NodeID() uint64

	// Path returns the full path to the node
	Path() (string, error)

	// Kind returns whether the node is a file, directory or symlink
	Kind() NodeKind

	// Backend returns the backend that stores the node's content
	Backend() Backend

	// IsDel returns true if the node was unlinked but is still held open
	IsDel() bool
}
