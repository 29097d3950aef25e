// Package server exposes a [filesystem.FileSystem] on the host through FUSE
package server

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/brettbedarf/mountfs/internal/util"
)

// Server serves one tree at one host mount point
type Server struct {
	fs     *filesystem.FileSystem
	cfg    *config.Config
	server *fuse.Server
}

// New creates a Server for fsys using its configuration
func New(fsys *filesystem.FileSystem) *Server {
	return &Server{fs: fsys, cfg: fsys.Config()}
}

// Root returns the FUSE node of "/"
func (s *Server) Root() fs.InodeEmbedder {
	return &treeNode{fs: s.fs, timeouts: timeoutsOf(s.cfg)}
}

// Options returns the go-fuse options derived from the configuration
func (s *Server) Options() *fs.Options {
	t := timeoutsOf(s.cfg)
	logger := util.NewLogLogger("FuseServer", util.DebugLevel)
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:   s.cfg.Name,
			FsName: s.cfg.FsName,
			Debug:  s.cfg.Debug || s.cfg.LogLvl == util.TraceLevel,
			Logger: logger,
		},
		EntryTimeout: &t.entry,
		AttrTimeout:  &t.attr,
		Logger:       logger,
	}
}

// Serve mounts the tree at mountPoint and returns once the mount is ready.
// Requests are served in the background until [Server.Unmount].
func (s *Server) Serve(mountPoint string) error {
	logger := util.GetLogger("Server.Serve")

	srv, err := fs.Mount(mountPoint, s.Root(), s.Options())
	if err != nil {
		logger.Error().Err(err).Str("mnt", mountPoint).Msg("Mount failed")
		return err
	}
	s.server = srv
	logger.Info().Str("mnt", mountPoint).Msg("Filesystem mounted")
	return nil
}

// ServeAsync is [Server.Serve] reporting its result on the returned channel
func (s *Server) ServeAsync(mountPoint string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(mountPoint)
		close(done)
	}()
	return done
}

// Wait blocks until the filesystem is unmounted
func (s *Server) Wait() {
	if s.server != nil {
		s.server.Wait()
	}
}

// Unmount cleanly unmounts the filesystem
func (s *Server) Unmount() error {
	if s.server == nil {
		return nil
	}
	return s.server.Unmount()
}

type timeouts struct {
	entry time.Duration
	attr  time.Duration
}

func timeoutsOf(cfg *config.Config) timeouts {
	return timeouts{
		entry: time.Duration(cfg.EntryTimeout * float64(time.Second)),
		attr:  time.Duration(cfg.AttrTimeout * float64(time.Second)),
	}
}
