package mountfs

import "syscall"

// Mode type bits stored in [Attr.Mode], matching the host's stat(2) values.
const (
	ModeType    uint32 = syscall.S_IFMT
	ModeDir     uint32 = syscall.S_IFDIR
	ModeFile    uint32 = syscall.S_IFREG
	ModeSymlink uint32 = syscall.S_IFLNK

	// ModePerm masks the permission bits accepted on creation
	ModePerm uint32 = 0o7777
)

const (
	// MaxNameLen is the longest single path component accepted by the core
	MaxNameLen = 255
	// MaxPathLen is the longest path accepted by the core
	MaxPathLen = 4096
)

// NodeKind is the type of a node in the tree
type NodeKind uint8

const (
	KindUnknown NodeKind = iota
	KindFile
	KindDir
	KindSymlink
)

func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// KindOf derives the [NodeKind] from mode type bits
func KindOf(mode uint32) NodeKind {
	switch mode & ModeType {
	case ModeDir:
		return KindDir
	case ModeFile:
		return KindFile
	case ModeSymlink:
		return KindSymlink
	default:
		return KindUnknown
	}
}

// TypeBits returns the mode type bits for the kind
func (k NodeKind) TypeBits() uint32 {
	switch k {
	case KindDir:
		return ModeDir
	case KindSymlink:
		return ModeSymlink
	default:
		return ModeFile
	}
}
