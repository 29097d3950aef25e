package backends

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends/icase"
	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockFactory(b mountfs.Backend) Factory {
	return func(context.Context, *Registry, *config.BackendSpec) (mountfs.Backend, error) {
		return b, nil
	}
}

func newMockBackend() *mocks.MockBackend {
	mb := &mocks.MockBackend{}
	mb.On("ID").Return(mountfs.NewBackendID())
	return mb
}

func TestRegister_SingleFactory(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	mb := newMockBackend()

	r.Register("custom", mockFactory(mb))
	b, err := r.Build(context.Background(), &config.BackendSpec{Type: "custom"})

	require.NoError(t, err)
	assert.Same(t, mb, b)
}

func TestRegister_DuplicateKeepsFirst(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	first, second := newMockBackend(), newMockBackend()

	r.Register("custom", mockFactory(first))
	r.Register("custom", mockFactory(second))

	b, err := r.Build(context.Background(), &config.BackendSpec{Type: "custom"})
	require.NoError(t, err)
	assert.Same(t, first, b)
}

func TestRegister_Concurrent(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			backendType := fmt.Sprintf("type%d", i)
			mb := newMockBackend()
			r.Register(backendType, mockFactory(mb))
			b, err := r.Build(context.Background(), &config.BackendSpec{Type: backendType})
			assert.NoError(t, err)
			assert.Same(t, mb, b)
		})
	}
	wg.Wait()
}

func TestBuild_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewDefaultRegistry(nil)

	_, err := r.Build(ctx, nil)
	assert.ErrorIs(t, err, mountfs.EINVAL)

	_, err = r.Build(ctx, &config.BackendSpec{Type: "tape"})
	assert.ErrorContains(t, err, "no factory")

	_, err = r.Build(ctx, &config.BackendSpec{Type: config.BackendHost})
	assert.ErrorContains(t, err, "host_root")

	_, err = r.Build(ctx, &config.BackendSpec{Type: config.BackendICase})
	assert.ErrorContains(t, err, "inner")

	_, err = r.Build(ctx, &config.BackendSpec{Type: config.BackendHost, HostRoot: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRegisterBuiltins_Subset(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	r.RegisterBuiltins(config.BackendMemory)

	_, err := r.Factory(config.BackendMemory)
	require.NoError(t, err)
	_, err = r.Factory(config.BackendFetch)
	assert.Error(t, err)
}

func TestBuild_Builtins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewDefaultRegistry(nil)

	tests := []struct {
		name string
		spec config.BackendSpec
		kind string
	}{
		{"memory", config.BackendSpec{Type: config.BackendMemory}, "memory"},
		{"host", config.BackendSpec{Type: config.BackendHost, HostRoot: t.TempDir()}, "host"},
		{"fetch", config.BackendSpec{Type: config.BackendFetch, URL: "https://example.com/assets"}, "fetch"},
		{"s3", config.BackendSpec{Type: config.BackendObjects, Bucket: "b", Region: "us-east-1", Endpoint: "http://127.0.0.1:4566"}, "s3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := r.Build(ctx, &tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, b.Kind())
			if c, ok := b.(interface{ Close() error }); ok {
				assert.NoError(t, c.Close())
			}
		})
	}
}

func TestBuild_ICaseWrapsInner(t *testing.T) {
	t.Parallel()
	r := NewDefaultRegistry(nil)

	b, err := r.Build(context.Background(), &config.BackendSpec{
		Type:  config.BackendICase,
		Inner: &config.BackendSpec{Type: config.BackendMemory},
	})
	require.NoError(t, err)
	wrapped, ok := b.(*icase.Backend)
	require.True(t, ok)
	assert.Equal(t, "memory", wrapped.Unwrap().Kind())
}
