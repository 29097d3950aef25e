package filesystem

import (
	"context"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/internal/util"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDirPerms  = 0o755
	defaultFilePerms = 0o644

	// preloadWorkers bounds concurrent file preloads
	preloadWorkers = 8
)

// Preload materializes reqs: directories first, shallowest first, then files
// concurrently. Each node lands in whichever backend serves its path.
func (fs *FileSystem) Preload(ctx context.Context, reqs []*mountfs.PreloadRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	logger := util.GetLogger("FS.Preload")

	var dirs, files []*mountfs.PreloadRequest
	for _, r := range reqs {
		switch r.Type {
		case mountfs.PreloadDir:
			dirs = append(dirs, r)
		case mountfs.PreloadFile:
			files = append(files, r)
		default:
			return fmt.Errorf("preload %q: unknown type %q", r.Path, r.Type)
		}
	}
	slices.SortStableFunc(dirs, func(a, b *mountfs.PreloadRequest) int {
		return strings.Count(a.Path, "/") - strings.Count(b.Path, "/")
	})

	for _, r := range dirs {
		if err := fs.MkdirAll(ctx, r.Path, perms(r.Perms, defaultDirPerms)); err != nil {
			logger.Error().Err(err).Str("path", r.Path).Str("uuid", r.UUID).Msg("Failed to preload directory")
			return fmt.Errorf("preload %q: %w", r.Path, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadWorkers)
	for _, r := range files {
		g.Go(func() error {
			if err := fs.preloadFile(gctx, r); err != nil {
				logger.Error().Err(err).Str("path", r.Path).Str("uuid", r.UUID).Msg("Failed to preload file")
				return fmt.Errorf("preload %q: %w", r.Path, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Int("dirs", len(dirs)).Int("files", len(files)).Msg("Preload complete")
	return nil
}

func (fs *FileSystem) preloadFile(ctx context.Context, r *mountfs.PreloadRequest) error {
	data := r.Data
	if data == nil && r.HostPath != "" {
		b, err := os.ReadFile(r.HostPath)
		if err != nil {
			return err
		}
		data = b
	}

	if dir := path.Dir(r.Path); dir != "." && dir != "/" {
		if err := fs.MkdirAll(ctx, dir, defaultDirPerms); err != nil {
			return err
		}
	}
	fd, err := fs.Open(ctx, r.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perms(r.Perms, defaultFilePerms))
	if err != nil {
		return err
	}
	for off := 0; off < len(data); {
		n, err := fs.Write(ctx, fd, data[off:])
		if err != nil {
			_ = fs.Close(ctx, fd)
			return err
		}
		if n == 0 {
			_ = fs.Close(ctx, fd)
			return mountfs.EIO
		}
		off += n
	}
	return fs.Close(ctx, fd)
}

func perms(p, def uint32) uint32 {
	if p == 0 {
		return def
	}
	return p & mountfs.ModePerm
}
