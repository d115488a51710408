package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and manifests and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("edgeroute %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	watcher, err := config.NewWatcher(loader, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	snap := watcher.Current()

	if *validateOnly {
		fmt.Printf("Configuration is valid (build %s)\n", snap.Manifest.BuildID)
		os.Exit(0)
	}

	lc := snap.Config.Logging
	logger, err := logging.New(logging.Options{
		Level:      lc.Level,
		Format:     lc.Format,
		Output:     lc.Output,
		MaxSizeMB:  lc.Rotation.MaxSize,
		MaxBackups: lc.Rotation.MaxBackups,
		MaxAgeDays: lc.Rotation.MaxAge,
		Compress:   lc.Rotation.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting edgeroute",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("manifest_dir", snap.Config.Manifest.Dir),
		zap.String("build_id", snap.Manifest.BuildID),
	)

	if err := run(watcher, loader, *configPath); err != nil {
		logging.Error("edgeroute stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(watcher *config.Watcher, loader *config.Loader, configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap := watcher.Current()
	app, err := build(ctx, snap)
	if err != nil {
		return err
	}
	defer app.Close()

	srv, err := server.New(snap, server.Options{
		Forwarder: app.forwarder,
		Deps:      app.deps,
		Metrics:   app.metrics,
		Tracer:    app.tracer,
		Checks:    app.checks,
	})
	if err != nil {
		return err
	}

	reload := func(s config.Snapshot) {
		if err := srv.Reload(s); err == nil && app.worker != nil {
			app.worker.SetPreviewModeID(s.Manifest.Prerender.Preview.PreviewModeID)
		}
	}
	if snap.Config.Manifest.Watch {
		watcher.OnChange(reload)
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("watch manifests: %w", err)
		}
		defer watcher.Stop()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			next, err := reloadSnapshot(loader, configPath)
			if err != nil {
				logging.Error("Config reload failed", zap.Error(err))
				continue
			}
			reload(next)
		}
	}()

	return srv.Run(ctx)
}

func reloadSnapshot(loader *config.Loader, configPath string) (config.Snapshot, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = loader.Load(configPath); err != nil {
			return config.Snapshot{}, err
		}
	}
	m, err := loader.LoadManifest(cfg.Manifest.Dir)
	if err != nil {
		return config.Snapshot{}, err
	}
	return config.Snapshot{Config: cfg, Manifest: m}, nil
}

// closeTimeout bounds the teardown of each collaborator.
const closeTimeout = 5 * time.Second
