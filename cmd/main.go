package main

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/brettbedarf/mountfs"
	"github.com/brettbedarf/mountfs/backends"
	"github.com/brettbedarf/mountfs/config"
	"github.com/brettbedarf/mountfs/filesystem"
	"github.com/brettbedarf/mountfs/internal/util"
	"github.com/brettbedarf/mountfs/requests"
	"github.com/brettbedarf/mountfs/server"
)

func main() {
	// Parse command line arguments
	var (
		configPath string
		verbose    int
		nodesDef   string
		umount     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML or JSON config file")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.StringVar(&nodesDef, "nodes", "", "Path to a preload manifest (overrides the config's preload)")
	flag.StringVar(&nodesDef, "n", "", "--nodes (shorthand)")
	flag.BoolVar(&umount, "umount", false,
		"Unmount the fs first if needed before mounting again. Useful for debuggers that don't exit properly.")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.IntVar(&verbose, "verbose", 3, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", 3, "--verbose (shorthand)")
	flag.Parse()

	util.InitializeLogger(util.VerbosityToLevel(verbose))
	logger := util.GetLogger("main")

	mnt := flag.Arg(0)
	logger.Info().Int("verbose", verbose).Str("config", configPath).Str("nodes", nodesDef).Str("mnt", mnt).Msg("mountfs initializing")
	if mnt == "" {
		logger.Fatal().Msg("Mount point not specified; it must be passed as the argument")
	}
	if umount {
		cmd := exec.Command("fusermount", "-u", mnt)
		// we ignore error here if not already mounted
		cmd.Run() // nolint:errcheck
	}

	override := &config.ConfigOverride{LogLvl: &verbose}
	if configPath != "" {
		fileOverride, err := config.LoadConfigOverrideFile(configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("config", configPath).Msg("Failed to load config file")
		}
		verboseSet := false
		flag.Visit(func(f *flag.Flag) {
			verboseSet = verboseSet || f.Name == "verbose" || f.Name == "v"
		})
		// an explicit flag wins over the file
		if verboseSet || fileOverride.LogLvl == nil {
			fileOverride.LogLvl = override.LogLvl
		}
		override = fileOverride
	}
	cfg := config.NewConfig(override)
	util.InitializeLogger(cfg.LogLvl)
	logger = util.GetLogger("main")
	if nodesDef != "" {
		cfg.Preload = nodesDef
	}

	var preload []*mountfs.PreloadRequest
	if cfg.Preload != "" {
		reqs, err := requests.LoadManifestFile(cfg.Preload)
		if err != nil {
			logger.Fatal().Err(err).Str("nodes", cfg.Preload).Msg("Failed to load preload manifest")
		}
		preload = reqs
		logger.Debug().Int("nodes", len(reqs)).Msg("Preload manifest loaded")
	} else {
		logger.Warn().Msg("No preload manifest provided")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := backends.NewDefaultRegistry(cfg)
	fsys, err := filesystem.New(ctx, cfg, filesystem.Options{
		RootBackend: func(cfg *config.Config) (mountfs.Backend, error) {
			if cfg.Root == nil {
				return nil, nil
			}
			return registry.Build(ctx, cfg.Root)
		},
		BeforePreload: func(ctx context.Context, fs *filesystem.FileSystem) error {
			for _, m := range cfg.Mounts {
				b, err := registry.Build(ctx, &m.Backend)
				if err != nil {
					return err
				}
				if err := fs.MkdirAll(ctx, m.Path, 0o755); err != nil {
					return err
				}
				if err := fs.Mount(ctx, m.Path, b); err != nil {
					return err
				}
				logger.Info().Str("path", m.Path).Str("backend", b.Kind()).Msg("Backend mounted")
			}
			return nil
		},
		Preload: preload,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build filesystem")
	}

	srv := server.New(fsys)
	if err := srv.Serve(mnt); err != nil {
		logger.Fatal().Err(err).Msg("Failed to mount filesystem")
	}

	// Setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	logger.Info().Str("mountpoint", mnt).Msg("Filesystem mounted successfully")

	sig := <-signalChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, unmounting filesystem")

	if err := srv.Unmount(); err != nil {
		logger.Error().Err(err).Msg("Failed to unmount filesystem")
	} else {
		logger.Info().Msg("Filesystem unmounted successfully")
	}
	if err := fsys.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown reported errors")
	}
}
