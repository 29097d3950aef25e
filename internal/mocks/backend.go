package mocks

import (
	"context"

	"github.com/brettbedarf/mountfs"
	"github.com/stretchr/testify/mock"
)

// MockBackend implements mountfs.Backend for testing across packages
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) ID() mountfs.BackendID {
	args := m.Called()
	return args.Get(0).(mountfs.BackendID)
}

func (m *MockBackend) Kind() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockBackend) Root(ctx context.Context) (mountfs.Entry, error) {
	args := m.Called(ctx)
	return entryArg(args, 0), args.Error(1)
}

func (m *MockBackend) Lookup(ctx context.Context, dir mountfs.Key, name string) (mountfs.Entry, error) {
	args := m.Called(ctx, dir, name)

	// Handle function return types (for complex tests)
	if fn, ok := args.Get(0).(func(context.Context, mountfs.Key, string) mountfs.Entry); ok {
		return fn(ctx, dir, name), args.Error(1)
	}
	return entryArg(args, 0), args.Error(1)
}

func (m *MockBackend) Create(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	args := m.Called(ctx, dir, name, mode)
	if fn, ok := args.Get(0).(func(context.Context, mountfs.Key, string, uint32) mountfs.Entry); ok {
		return fn(ctx, dir, name, mode), args.Error(1)
	}
	return entryArg(args, 0), args.Error(1)
}

func (m *MockBackend) Mkdir(ctx context.Context, dir mountfs.Key, name string, mode uint32) (mountfs.Entry, error) {
	args := m.Called(ctx, dir, name, mode)
	if fn, ok := args.Get(0).(func(context.Context, mountfs.Key, string, uint32) mountfs.Entry); ok {
		return fn(ctx, dir, name, mode), args.Error(1)
	}
	return entryArg(args, 0), args.Error(1)
}

func (m *MockBackend) Open(ctx context.Context, key mountfs.Key, flags int) (mountfs.Handle, error) {
	args := m.Called(ctx, key, flags)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(mountfs.Handle), args.Error(1)
}

func (m *MockBackend) Truncate(ctx context.Context, key mountfs.Key, size int64) error {
	args := m.Called(ctx, key, size)
	return args.Error(0)
}

func (m *MockBackend) Rename(ctx context.Context, key mountfs.Key, oldDir mountfs.Key, oldName string, newDir mountfs.Key, newName string) error {
	args := m.Called(ctx, key, oldDir, oldName, newDir, newName)
	return args.Error(0)
}

func (m *MockBackend) Unlink(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	args := m.Called(ctx, dir, name, key)
	return args.Error(0)
}

func (m *MockBackend) Rmdir(ctx context.Context, dir mountfs.Key, name string, key mountfs.Key) error {
	args := m.Called(ctx, dir, name, key)
	return args.Error(0)
}

func (m *MockBackend) ReadDir(ctx context.Context, dir mountfs.Key) ([]mountfs.DirEntry, error) {
	args := m.Called(ctx, dir)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]mountfs.DirEntry), args.Error(1)
}

func (m *MockBackend) Stat(ctx context.Context, key mountfs.Key) (mountfs.Attr, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return mountfs.Attr{}, args.Error(1)
	}
	return args.Get(0).(mountfs.Attr), args.Error(1)
}

func (m *MockBackend) Reclaim(ctx context.Context, key mountfs.Key) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

var _ mountfs.Backend = (*MockBackend)(nil)

// MockHandle implements mountfs.Handle for testing across packages
type MockHandle struct {
	mock.Mock
}

func (m *MockHandle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	args := m.Called(ctx, p, off)

	// Handle function return types (for complex tests)
	if fn, ok := args.Get(0).(func(context.Context, []byte, int64) int); ok {
		return fn(ctx, p, off), args.Error(1)
	}
	if args.Get(0) == nil {
		return 0, args.Error(1)
	}
	return args.Int(0), args.Error(1)
}

func (m *MockHandle) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	args := m.Called(ctx, p, off)
	if args.Get(0) == nil {
		return 0, args.Error(1)
	}
	return args.Int(0), args.Error(1)
}

func (m *MockHandle) Close(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var _ mountfs.Handle = (*MockHandle)(nil)

func entryArg(args mock.Arguments, i int) mountfs.Entry {
	if args.Get(i) == nil {
		return mountfs.Entry{}
	}
	return args.Get(i).(mountfs.Entry)
}
