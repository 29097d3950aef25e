package backends

import (
	"context"
	"time"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends/fetch"
	"github.com/brettbedarf/mountfs/backends/hostfs"
	"github.com/brettbedarf/mountfs/backends/icase"
	"github.com/brettbedarf/mountfs/backends/memory"
	"github.com/brettbedarf/mountfs/backends/objstore"
	"github.com/brettbedarf/mountfs/config"
)

// NOTE: a build tag per backend (i.e. +build !nos3) would let embedders drop
// the AWS SDK if binary size becomes a concern.

// RegisterBuiltins registers all built-in backend types by default
// or only the specific ones if types are provided
func (r *Registry) RegisterBuiltins(types ...string) {
	if len(types) == 0 {
		types = []string{
			config.BackendMemory,
			config.BackendICase,
			config.BackendHost,
			config.BackendFetch,
			config.BackendObjects,
		}
	}
	for _, t := range types {
		switch t {
		case config.BackendMemory:
			r.Register(t, validated(buildMemory))
		case config.BackendICase:
			r.Register(t, validated(buildICase))
		case config.BackendHost:
			r.Register(t, validated(buildHost))
		case config.BackendFetch:
			r.Register(t, validated(buildFetch))
		case config.BackendObjects:
			r.Register(t, validated(buildObjects))
		}
	}
}

// NewDefaultRegistry returns a registry with every built-in type
func NewDefaultRegistry(cfg *config.Config) *Registry {
	r := NewRegistry(cfg)
	r.RegisterBuiltins()
	return r
}

func validated(f Factory) Factory {
	return func(ctx context.Context, r *Registry, spec *config.BackendSpec) (mountfs.Backend, error) {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		return f(ctx, r, spec)
	}
}

func buildMemory(context.Context, *Registry, *config.BackendSpec) (mountfs.Backend, error) {
	return memory.New(), nil
}

func buildICase(ctx context.Context, r *Registry, spec *config.BackendSpec) (mountfs.Backend, error) {
	inner := func(any) (mountfs.Backend, error) {
		return r.Build(ctx, spec.Inner)
	}
	return icase.New(inner, nil)
}

func buildHost(_ context.Context, _ *Registry, spec *config.BackendSpec) (mountfs.Backend, error) {
	return hostfs.New(spec.HostRoot)
}

func buildFetch(_ context.Context, r *Registry, spec *config.BackendSpec) (mountfs.Backend, error) {
	return fetch.New(spec.URL, fetch.Options{
		Retries:      r.cfg.FetchRetries,
		CacheEntries: r.cfg.FetchCacheEntries,
		RetryBackoff: 100 * time.Millisecond,
	})
}

func buildObjects(ctx context.Context, _ *Registry, spec *config.BackendSpec) (mountfs.Backend, error) {
	return objstore.New(ctx, objstore.Options{
		Bucket:   spec.Bucket,
		Prefix:   spec.Prefix,
		Region:   spec.Region,
		Endpoint: spec.Endpoint,
	})
}
