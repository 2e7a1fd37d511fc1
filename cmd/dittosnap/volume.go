package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/pkg/config"
	"github.com/marmos91/dittosnap/pkg/journal"
	"github.com/marmos91/dittosnap/pkg/proxy"
)

// volume is a proxy together with the collaborators it does not own.
type volume struct {
	*proxy.Proxy

	auth    config.Authority
	writer  *journal.Writer
	coord   *journal.Coordinator
	runDone chan error
}

// openVolume assembles the proxy described by cfg.
//
// Flow:
//  1. Open the authority, the preservation store and the device
//  2. For replicating volumes, open the journal and start its writer
//  3. Build the proxy and sync the active snapshot
//
// Anything opened before a failing step is closed again.
func openVolume(ctx context.Context, cfg *config.Config) (v *volume, err error) {
	if err := config.ValidateVolume(cfg); err != nil {
		return nil, err
	}
	pcfg, err := config.ProxyConfig(&cfg.Volume)
	if err != nil {
		return nil, err
	}
	m := config.InitializeMetrics(cfg)

	v = &volume{}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	v.auth, err = config.CreateAuthority(ctx, &cfg.Authority, cfg.Volume.BlockSize)
	if err != nil {
		return nil, err
	}
	closers = append(closers, v.auth.Close)

	store, err := config.CreateBlockStore(ctx, &cfg.Store, m.Store)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)

	dev, err := config.OpenDevice(&cfg.Volume, false)
	if err != nil {
		return nil, err
	}
	closers = append(closers, dev.Close)

	deps := proxy.Deps{
		Authority: v.auth,
		Store:     store,
		Device:    dev,
		Metrics:   m.Proxy,
	}

	if cfg.Volume.Replication {
		v.writer, v.coord, err = config.OpenJournal(ctx, &cfg.Journal, cfg.Volume.Name)
		if err != nil {
			return nil, err
		}
		closers = append(closers, v.writer.Close)
		deps.Journal = v.coord
	}

	p, err := proxy.New(ctx, pcfg, deps)
	if err != nil {
		return nil, err
	}
	v.Proxy = p
	// v.Close releases everything from here on
	closers = nil

	if v.writer != nil {
		// entries left unapplied by an earlier run are applied first
		v.runDone = make(chan error, 1)
		go func() { v.runDone <- v.writer.Run(context.WithoutCancel(ctx), v.coord, p.ApplyEntry) }()
	}

	if _, err := p.Sync(ctx); err != nil {
		_ = v.Close()
		return nil, fmt.Errorf("sync active snapshot: %w", err)
	}
	return v, nil
}

// Close drains the journal, closes the proxy (device and store) and the
// authority.
func (v *volume) Close() error {
	var errs []error

	if v.coord != nil {
		// Run stops taking intents, applies the entries already on disk
		// and returns.
		v.coord.Close()
		if v.runDone != nil {
			select {
			case err := <-v.runDone:
				errs = append(errs, err)
			case <-time.After(time.Minute):
				logger.Warn("Journal writer did not stop in time")
			}
		}
	}

	if v.Proxy != nil {
		errs = append(errs, v.Proxy.Close())
	}
	if v.writer != nil {
		errs = append(errs, v.writer.Close())
	}
	if v.auth != nil {
		errs = append(errs, v.auth.Close())
	}
	return errors.Join(errs...)
}
