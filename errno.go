package mountfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Errno is the error code returned across the whole filesystem surface.
// Values follow Linux numbering so they can be handed to a sandboxed program
// unchanged; negate with [Errno.Neg] for the C-style return convention.
type Errno int32

// Error taxonomy. Backends may return any of these directly.
const (
	EPERM        Errno = 1
	ENOENT       Errno = 2  // NotFound
	EIO          Errno = 5  // IOError: opaque backend-reported failure
	EBADF        Errno = 9  // unknown or closed descriptor
	EBUSY        Errno = 16 // Busy: open descriptors or active mount
	EEXIST       Errno = 17 // AlreadyExists
	EXDEV        Errno = 18 // operation would cross a backend boundary
	ENOTDIR      Errno = 20 // NotADirectory
	EISDIR       Errno = 21 // IsADirectory
	EINVAL       Errno = 22 // InvalidArgument
	EMFILE       Errno = 24 // descriptor table full
	EROFS        Errno = 30 // backend is read-only
	ENAMETOOLONG Errno = 36
	ENOSYS       Errno = 38 // backend lacks the capability
	ENOTEMPTY    Errno = 39 // NotEmpty
	ELOOP        Errno = 40 // TooManyLinks: symlink hop bound exceeded
)

var errnoText = map[Errno]string{
	EPERM:        "operation not permitted",
	ENOENT:       "no such file or directory",
	EIO:          "input/output error",
	EBADF:        "bad file descriptor",
	EBUSY:        "device or resource busy",
	EEXIST:       "file exists",
	EXDEV:        "invalid cross-device link",
	ENOTDIR:      "not a directory",
	EISDIR:       "is a directory",
	EINVAL:       "invalid argument",
	EMFILE:       "too many open files",
	EROFS:        "read-only file system",
	ENAMETOOLONG: "file name too long",
	ENOSYS:       "function not implemented",
	ENOTEMPTY:    "directory not empty",
	ELOOP:        "too many levels of symbolic links",
}

func (e Errno) Error() string {
	if s, ok := errnoText[e]; ok {
		return s
	}
	return fmt.Sprintf("errno %d", int32(e))
}

// Neg returns the negative return value used by the C-style surface
func (e Errno) Neg() int32 {
	return -int32(e)
}

// Is lets errors.Is match an Errno against the io/fs sentinels.
func (e Errno) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e == ENOENT
	case fs.ErrExist:
		return e == EEXIST || e == ENOTEMPTY
	case fs.ErrInvalid:
		return e == EINVAL || e == EBADF
	case fs.ErrPermission:
		return e == EPERM || e == EROFS
	}
	return false
}

var syscallErrnos = map[Errno]syscall.Errno{
	EPERM:        syscall.EPERM,
	ENOENT:       syscall.ENOENT,
	EIO:          syscall.EIO,
	EBADF:        syscall.EBADF,
	EBUSY:        syscall.EBUSY,
	EEXIST:       syscall.EEXIST,
	EXDEV:        syscall.EXDEV,
	ENOTDIR:      syscall.ENOTDIR,
	EISDIR:       syscall.EISDIR,
	EINVAL:       syscall.EINVAL,
	EMFILE:       syscall.EMFILE,
	EROFS:        syscall.EROFS,
	ENAMETOOLONG: syscall.ENAMETOOLONG,
	ENOSYS:       syscall.ENOSYS,
	ENOTEMPTY:    syscall.ENOTEMPTY,
	ELOOP:        syscall.ELOOP,
}

// Syscall converts to the host's errno value. Host numbering may differ
// from ours (e.g. ENOTEMPTY on darwin), hence the table.
func (e Errno) Syscall() syscall.Errno {
	if se, ok := syscallErrnos[e]; ok {
		return se
	}
	return syscall.EIO
}

// ToErrno maps any error to the nearest taxonomy entry.
// Unknown errors (network, permission, quota, context expiry) become EIO so
// backend-internal detail never reaches the caller through the return value.
func ToErrno(err error) Errno {
	if err == nil {
		return 0
	}
	var e Errno
	if errors.As(err, &e) {
		return e
	}
	var se syscall.Errno
	if errors.As(err, &se) {
		for ours, host := range syscallErrnos {
			if host == se && ours != EPERM {
				return ours
			}
		}
		return EIO
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return EIO
	case errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, fs.ErrInvalid):
		return EINVAL
	case errors.Is(err, fs.ErrClosed):
		return EBADF
	}
	return EIO
}
