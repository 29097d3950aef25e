// Package backends builds storage backends from declarative specs.
package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/internal/util"
)

// Factory builds the backend described by spec. r is passed so wrapping
// backends can build their inner backend.
type Factory func(ctx context.Context, r *Registry, spec *config.BackendSpec) (mountfs.Backend, error)

// Registry maps backend types to factories
type Registry struct {
	cfg       *config.Config
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry. cfg supplies tunables such as retry
// counts; defaults are used when nil.
func NewRegistry(cfg *config.Config) *Registry {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	return &Registry{cfg: cfg, factories: map[string]Factory{}}
}

// Config returns the configuration factories read tunables from
func (r *Registry) Config() *config.Config { return r.cfg }

// Register ties a factory to a type. The first registration of a type wins.
func (r *Registry) Register(backendType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[backendType]; ok {
		logger := util.GetLogger("Registry.Register")
		logger.Warn().Str("type", backendType).Msg("Backend type already registered")
		return
	}
	r.factories[backendType] = f
}

// Factory returns the factory registered for backendType
func (r *Registry) Factory(backendType string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[backendType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no factory for backend type %q", backendType)
	}
	return f, nil
}

// Build constructs the backend spec describes
func (r *Registry) Build(ctx context.Context, spec *config.BackendSpec) (mountfs.Backend, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil backend spec: %w", mountfs.EINVAL)
	}
	f, err := r.Factory(spec.Type)
	if err != nil {
		return nil, err
	}
	b, err := f(ctx, r, spec)
	if err != nil {
		return nil, fmt.Errorf("build %s backend: %w", spec.Type, err)
	}
	logger := util.GetLogger("Registry.Build")
	logger.Debug().Str("type", spec.Type).Str("backendID", string(b.ID())).Msg("Built backend")
	return b, nil
}
