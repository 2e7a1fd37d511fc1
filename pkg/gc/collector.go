// Package gc provides garbage collection for orphaned preserved objects.
//
// The garbage collector identifies and removes objects in the preservation
// store that no COW mapping references (orphaned objects). These appear when:
//   - A block was preserved but its CowCommit failed or never ran
//   - A snapshot was deleted and its mappings were already covered by the
//     predecessor
//   - The proxy crashed between the store Put and the commit
//
// Objects younger than the grace period are never collected, since a proxy
// may have stored one and not yet committed its mapping.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittosnap/internal/logger"
	"github.com/marmos91/dittosnap/internal/ratelimiter"
	"github.com/marmos91/dittosnap/pkg/store/block"
)

// ReferenceSource reports the objects still referenced by some mapping.
// The reference authority (local.Authority) implements it.
type ReferenceSource interface {
	ReferencedObjects(ctx context.Context) (map[string]struct{}, error)
}

// Metrics observes collection runs. A nil Metrics disables collection.
type Metrics interface {
	ObserveRun(stats *Stats, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRun(*Stats, error) {}

// Collector performs periodic garbage collection on a preservation store.
//
// Thread Safety: Safe for concurrent use. Runs are serialized.
type Collector struct {
	refs    ReferenceSource
	store   block.Store
	config  Config
	limiter *ratelimiter.RateLimiter
	metrics Metrics

	runMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether periodic collection runs (default: false).
	// RunNow works either way.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is how often to run garbage collection (default: 1h)
	Interval time.Duration `mapstructure:"interval" validate:"omitempty,gt=0" yaml:"interval"`

	// GracePeriod protects objects modified more recently than this
	// (default: 10m). It must exceed the longest Put-to-CowCommit window.
	GracePeriod time.Duration `mapstructure:"grace_period" validate:"omitempty,gt=0" yaml:"grace_period"`

	// Timeout bounds a single periodic run (default: 10m)
	Timeout time.Duration `mapstructure:"timeout" validate:"omitempty,gt=0" yaml:"timeout"`

	// DeletesPerSecond paces deletions against the store. 0 means unlimited.
	DeletesPerSecond uint `mapstructure:"deletes_per_second" yaml:"deletes_per_second"`

	// Prefix restricts collection to objects whose name starts with it,
	// e.g. "vol0/" for one volume. Empty collects the whole store.
	Prefix string `mapstructure:"prefix" yaml:"prefix"`

	// DryRun mode logs what would be deleted without actually deleting (default: false)
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Minute
	}
}

// NewCollector creates a new garbage collector.
//
// The collector will be initialized but not started. Call Start() to begin
// background garbage collection.
//
// Parameters:
//   - refs: Source of referenced object names
//   - store: Preservation store to scan and delete orphaned objects from
//   - config: Garbage collection configuration
//   - metrics: Optional run observer (nil disables)
func NewCollector(refs ReferenceSource, store block.Store, config Config, metrics Metrics) *Collector {
	config.ApplyDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Collector{
		refs:    refs,
		store:   store,
		config:  config,
		limiter: ratelimiter.New(config.DeletesPerSecond, 0),
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background garbage collection.
//
// Safe to call multiple times (subsequent calls are no-ops).
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		return
	}

	c.startOnce.Do(func() {
		logger.Info("Starting garbage collector: interval=%s grace_period=%s deletes_per_second=%d dry_run=%v",
			c.config.Interval, c.config.GracePeriod, c.config.DeletesPerSecond, c.config.DryRun)

		c.started = true
		go c.worker()
	})
}

// Stop stops the garbage collector and waits for it to finish.
//
// This signals the worker goroutine to stop and waits for it to complete
// any in-progress collection. Safe to call multiple times.
//
// Returns ctx.Err() if ctx expires before the worker exits.
func (c *Collector) Stop(ctx context.Context) error {
	c.startOnce.Do(func() {}) // a later Start must not launch a worker
	if !c.started {
		return nil
	}

	c.stopOnce.Do(func() {
		logger.Info("Stopping garbage collector...")
		close(c.stopCh)
	})

	select {
	case <-c.doneCh:
		logger.Info("Garbage collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow triggers an immediate garbage collection run and blocks until it
// completes or ctx is cancelled.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running garbage collection (manual trigger)...")
	return c.collect(ctx)
}

// worker is the background goroutine that runs periodic garbage collection.
func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	// stopping cancels an in-progress run
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			runCtx, runCancel := context.WithTimeout(ctx, c.config.Timeout)
			stats, err := c.collect(runCtx)
			runCancel()

			if err != nil {
				logger.Error("Garbage collection failed: %v", err)
			} else {
				logger.Info("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect performs a single garbage collection run.
//
// This is the core GC algorithm:
//  1. List the objects in the store
//  2. Get the referenced object set from the authority
//  3. Orphaned = listed - referenced, minus objects inside the grace period
//  4. Delete orphaned objects, paced by the rate limiter
//
// The store is listed before the references are read: an object committed
// in between is then seen as referenced, and one stored after the listing is
// not considered at all.
func (c *Collector) collect(ctx context.Context) (stats *Stats, err error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	stats = &Stats{StartTime: time.Now(), DryRun: c.config.DryRun}
	defer func() {
		stats.EndTime = time.Now()
		c.metrics.ObserveRun(stats, err)
	}()

	// Phase 1
	existing, err := c.store.List(ctx, c.config.Prefix)
	if err != nil {
		return stats, fmt.Errorf("failed to list preserved objects: %w", err)
	}
	stats.ExistingCount = uint64(len(existing))

	// Phase 2
	referenced, err := c.refs.ReferencedObjects(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to get referenced objects: %w", err)
	}
	stats.ReferencedCount = uint64(len(referenced))

	logger.Debug("GC: %d objects listed, %d referenced", stats.ExistingCount, stats.ReferencedCount)

	// Phase 3
	cutoff := stats.StartTime.Add(-c.config.GracePeriod)
	var orphaned []string
	for _, obj := range existing {
		if _, ok := referenced[obj.Name]; ok {
			continue
		}
		if obj.ModTime.After(cutoff) {
			stats.RecentCount++
			continue
		}
		orphaned = append(orphaned, obj.Name)
	}
	stats.OrphanedCount = uint64(len(orphaned))

	if len(orphaned) == 0 {
		logger.Info("GC: No orphaned objects found (%d within grace period)", stats.RecentCount)
		return stats, nil
	}

	if c.config.DryRun {
		logger.Info("GC: DRY RUN - Would delete %d objects:", stats.OrphanedCount)
		for i, name := range orphaned {
			if i == 10 {
				logger.Info("  ... and %d more", len(orphaned)-10)
				break
			}
			logger.Info("  - %s", name)
		}
		return stats, nil
	}

	// Phase 4
	for _, name := range orphaned {
		if err := c.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if err := c.store.Delete(ctx, name); err != nil {
			stats.FailedCount++
			logger.Debug("GC: Failed to delete %s: %v", name, err)
			continue
		}
		stats.DeletedCount++
	}

	logger.Info("GC: Completed - deleted %d objects, %d failed, duration=%s",
		stats.DeletedCount, stats.FailedCount, time.Since(stats.StartTime))
	return stats, nil
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime       time.Time // When collection started
	EndTime         time.Time // When collection ended
	DryRun          bool      // Nothing was deleted
	ExistingCount   uint64    // Objects listed in the store
	ReferencedCount uint64    // Objects referenced by some mapping
	RecentCount     uint64    // Unreferenced objects kept by the grace period
	OrphanedCount   uint64    // Unreferenced objects past the grace period
	DeletedCount    uint64    // Orphaned objects successfully deleted
	FailedCount     uint64    // Orphaned objects that failed to delete
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("existing=%d referenced=%d recent=%d orphaned=%d deleted=%d failed=%d dry_run=%v duration=%s",
		s.ExistingCount, s.ReferencedCount, s.RecentCount, s.OrphanedCount,
		s.DeletedCount, s.FailedCount, s.DryRun, s.Duration())
}
