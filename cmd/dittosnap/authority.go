package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/authority/rpc"
	"github.com/marmos91/dittosnap/pkg/config"
	"github.com/marmos91/dittosnap/pkg/gc"
	"github.com/marmos91/dittosnap/pkg/metrics"
)

// authorityCommand serves the reference authority to remote proxies.
//
// The process owns the authority's BadgerDB, so it also runs the periodic
// garbage collector over the preservation store when gc.enabled is set.
func authorityCommand() *command {
	return &command{
		run: runAuthority,
	}
}

func runAuthority(ctx context.Context, cfg *config.Config, _ *flag.FlagSet) error {
	fmt.Println("DittoSnap - Snapshot Authority Server")
	logger.Info("Log level set to: %s", cfg.Logging.Level)

	auth, err := config.CreateLocalAuthority(ctx, &cfg.Authority.Local, cfg.Volume.BlockSize)
	if err != nil {
		return err
	}
	defer func() {
		if err := auth.Close(); err != nil {
			logger.Error("Failed to close authority: %v", err)
		}
	}()

	m := config.InitializeMetrics(cfg)

	checks := map[string]metrics.HealthFunc{}

	var collector *gc.Collector
	if cfg.GC.Enabled {
		store, err := config.CreateBlockStore(ctx, &cfg.Store, m.Store)
		if err != nil {
			return err
		}
		defer store.Close()
		checks["store"] = store.HealthCheck

		collector = gc.NewCollector(auth, store, cfg.GC, m.GC)
	}

	srv := rpc.NewServer(auth, cfg.Server, m.RPC)
	if err := srv.Listen(); err != nil {
		return err
	}

	// Log server configuration
	logger.Info("Server configuration:")
	logger.Info("  Address: %s", srv.Addr())
	logger.Info("  Authority: %s", authorityLocation(&cfg.Authority.Local))
	logger.Info("  COW block size: %d", cfg.Volume.BlockSize)
	if cfg.Server.MaxConnections > 0 {
		logger.Info("  Max connections: %d", cfg.Server.MaxConnections)
	} else {
		logger.Info("  Max connections: unlimited")
	}
	logger.Info("  Shutdown timeout: %v", cfg.Server.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	if ms := config.NewMetricsServer(cfg, checks); ms != nil {
		g.Go(func() error { return ms.Start(gctx) })
	}

	if collector != nil {
		collector.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := collector.Stop(stopCtx); err != nil {
				logger.Warn("Garbage collector did not stop cleanly: %v", err)
			}
		}()
	}

	logger.Info("Authority is serving on %s. Press Ctrl+C to stop.", srv.Addr())

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Authority stopped gracefully")
	return nil
}

func authorityLocation(cfg *config.LocalAuthorityConfig) string {
	if cfg.InMemory {
		return "in-memory"
	}
	return cfg.Path
}

// gcCommand runs one collection against the local authority. It cannot run
// while an authority server holds the same database; that server collects
// on its own schedule.
func gcCommand() *command {
	var dryRun *bool
	var prefix *string
	return &command{
		flags: func(fs *flag.FlagSet) {
			dryRun = fs.Bool("dry-run", false, "Report orphaned objects without deleting them")
			prefix = fs.String("prefix", "", "Only consider objects under this prefix (e.g. 'vol0/')")
		},
		run: func(ctx context.Context, cfg *config.Config, _ *flag.FlagSet) error {
			if cfg.Authority.Type != "local" {
				return fmt.Errorf("gc needs the local authority's reference set; run it where the authority database lives")
			}

			auth, err := config.CreateLocalAuthority(ctx, &cfg.Authority.Local, cfg.Volume.BlockSize)
			if err != nil {
				return err
			}
			defer auth.Close()

			store, err := config.CreateBlockStore(ctx, &cfg.Store, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			gcCfg := cfg.GC
			gcCfg.DryRun = gcCfg.DryRun || *dryRun
			if *prefix != "" {
				gcCfg.Prefix = *prefix
			}

			stats, err := gc.NewCollector(auth, store, gcCfg, nil).RunNow(ctx)
			if err != nil {
				return err
			}
			fmt.Println(stats.Summary())
			return nil
		},
	}
}
