// Package icase wraps another backend so names match case-insensitively while
// the case of the first created spelling is preserved.
package icase

import (
	"context"
	"fmt"
	"sync"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
	"golang.org/x/text/cases"
)

// Backend decorates an inner backend. Every name handed to it is mapped to
// the stored spelling by listing the inner directory and comparing case-folded
// names.
type Backend struct {
	inner mountfs.Backend
	id    mountfs.BackendID
	fold  cases.Caser
	mu    sync.Mutex // serializes mutations and the folding lookups they depend on
}

// New builds the inner backend with ctor(arg) and wraps it
func New(ctor mountfs.Constructor, arg any) (*Backend, error) {
	if ctor == nil {
		return nil, mountfs.EINVAL
	}
	inner, err := ctor(arg)
	if err != nil {
		return nil, fmt.Errorf("icase inner backend: %w", err)
	}
	return Wrap(inner), nil
}

// Wrap decorates an existing backend
func Wrap(inner mountfs.Backend) *Backend {
	return &Backend{
		inner: inner,
		id:    mountfs.NewBackendID(),
		fold:  cases.Fold(),
	}
}

// Constructor adapts [New] to [mountfs.Constructor]. arg must be an [Inner].
func Constructor(arg any) (mountfs.Backend, error) {
	in, ok := arg.(Inner)
	if !ok {
		return nil, fmt.Errorf("icase: expected icase.Inner argument, got %T", arg)
	}
	return New(in.Ctor, in.Arg)
}

// Inner is the argument of [Constructor]
type Inner struct {
	Ctor mountfs.Constructor
	Arg  any
}

// Unwrap returns the decorated backend
func (b *Backend) Unwrap() mountfs.Backend { return b.inner }

// Close closes the inner backend when it supports closing
func (b *Backend) Close() error {
	if c, ok := b.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (b *Backend) ID() mountfs.BackendID { return b.id }

func (b *Backend) Kind() string { return "icase(" + b.inner.Kind() + ")" }

func (b *Backend) Root(ctx context.Context) (mountfs.Entry, error) {
	return b.inner.Root(ctx)
}

// foldName returns the comparison form of a name.
// Caller must hold b.mu since a Caser is not safe for concurrent use.
func (b *Backend) foldName(name string) string {
	return b.fold.String(name)
}

// stored returns the spelling dir holds for name, or ok=false.
// Caller must hold b.mu.
func (b *Backend) stored(ctx context.Context, dir mountfs.Key, name string) (string, bool, error) {
	if dir == nil {
		return name, false, nil
	}
	// exact spelling needs no listing
	if _, err := b.inner.Lookup(ctx, dir, name); err == nil {
		return name, true, nil
	} else if mountfs.ToErrno(err) != mountfs.ENOENT {
		return "", false, err
	}
	entries, err := b.inner.ReadDir(ctx, dir)
	if err != nil {
		return "", false, err
	}
	want := b.foldName(name)
	for _, e := range entries {
		if b.foldName(e.Name) == want {
			return e.Name, true, nil
		}
	}
	return name, false, nil
}

func (b *Backend) Lookup(ctx context.Context, dir mountfs.Key, name string) (mountfs.Entry, error) {
	e, err := b.inner.Lookup(ctx, dir, name)
	if err == nil {
		if e.Name == "" {
			e.Name = name
		}
		return e, nil
	}
	if mountfs.ToErrno(err) != mountfs.ENOENT {
		return e, err
	}

	b.mu.Lock()
	actual, ok, err := b.stored(ctx, dir, name)
	b.mu.Unlock()
	if err != nil {
		return mountfs.Entry{}, err
	}
	if !ok {
		return mountfs.Entry{}, mountfs.ENOENT
	}
	e, err = b.inner.Lookup(ctx, dir, actual)
	if err != nil {
		return e, err
	}
	if e.Name == "" {
		e.Name = actual
	}
	return e, nil
}

// create runs fn under the wrapper lock after checking no spelling of name exists
func (b *Backend) create(ctx context.Context, dir mountfs.Key, name string, fn func() (mountfs.Entry, error)) (mountfs.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok, err := b.stored(ctx, dir, name); err != nil {
		return mountfs.Entry{}, err
	} else if ok {
		return mountfs.Entry{}, mountfs.EEXIST
	}
	e, err := fn()
	if err == nil && e.Name == "" {
		e.Name = name
	}
	return e, err
}

func (b *Backend) Create(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	return b.create(ctx, dir, name, func() (mountfs.Entry, error) {
		return b.inner.Create(ctx, dir, name, mode)
	})
}

func (b *Backend) Mkdir(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	return b.create(ctx, dir, name, func() (mountfs.Entry, error) {
		return b.inner.Mkdir(ctx, dir, name, mode)
	})
}

func (b *Backend) Symlink(ctx context.Context, dir mountfs.Key, name string, target string) (mountfs.Entry, error) {
	l, ok := b.inner.(mountfs.Linker)
	if !ok {
		return mountfs.Entry{}, mountfs.ENOSYS
	}
	return b.create(ctx, dir, name, func() (mountfs.Entry, error) {
		return l.Symlink(ctx, dir, name, target)
	})
}

func (b *Backend) Readlink(ctx context.Context, key mountfs.Key) (string, error) {
	l, ok := b.inner.(mountfs.Linker)
	if !ok {
		return "", mountfs.ENOSYS
	}
	return l.Readlink(ctx, key)
}

func (b *Backend) Open(ctx context.Context, key mountfs.Key, flags int) (mountfs.Handle, error) {
	return b.inner.Open(ctx, key, flags)
}

func (b *Backend) Truncate(ctx context.Context, key mountfs.Key, size int64) error {
	return b.inner.Truncate(ctx, key, size)
}

func (b *Backend) Rename(ctx context.Context, key mountfs.Key, oldDir mountfs.Key, oldName string, newDir mountfs.Key, newName string) error {
	logger := util.GetLogger("ICase.Rename")

	b.mu.Lock()
	defer b.mu.Unlock()

	from, ok, err := b.stored(ctx, oldDir, oldName)
	if err != nil {
		return err
	}
	if !ok {
		return mountfs.ENOENT
	}
	to, exists, err := b.stored(ctx, newDir, newName)
	if err != nil {
		return err
	}
	if exists && oldDir == newDir && b.foldName(to) == b.foldName(from) {
		// respelling a single entry: keep the caller's new spelling
		to = newName
	}
	logger.Trace().Str("from", from).Str("to", to).Msg("Rename resolved")
	return b.inner.Rename(ctx, key, oldDir, from, newDir, to)
}

func (b *Backend) Unlink(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	actual, ok, err := b.stored(ctx, dir, name)
	if err != nil {
		return err
	}
	if !ok && dir != nil {
		return mountfs.ENOENT
	}
	return b.inner.Unlink(ctx, dir, actual, key)
}

func (b *Backend) Rmdir(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	actual, ok, err := b.stored(ctx, dir, name)
	if err != nil {
		return err
	}
	if !ok {
		return mountfs.ENOENT
	}
	return b.inner.Rmdir(ctx, dir, actual, key)
}

func (b *Backend) ReadDir(ctx context.Context, dir mountfs.Key) ([]mountfs.DirEntry, error) {
	return b.inner.ReadDir(ctx, dir)
}

func (b *Backend) Stat(ctx context.Context, key mountfs.Key) (mountfs.Attr, error) {
	return b.inner.Stat(ctx, key)
}

func (b *Backend) Reclaim(ctx context.Context, key mountfs.Key) error {
	return b.inner.Reclaim(ctx, key)
}

var (
	_ mountfs.Backend = (*Backend)(nil)
	_ mountfs.Linker  = (*Backend)(nil)
)
