// Package orchestrator runs the ingestion pipeline's background loops and
// owns their lifecycle: bootstrap, periodic watchlist syncs, gap sweeps
// and the streaming consumer. Retention purges are deliberately not
// scheduled here; they run only through the admin endpoint.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/backfill"
	"github.com/candlekeep/candlekeep/internal/batch"
	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/pubsub"
	"github.com/candlekeep/candlekeep/internal/registry"
	"github.com/candlekeep/candlekeep/internal/stream"
	"github.com/candlekeep/candlekeep/internal/watchlist"
)

// ActiveLister is the fallback universe source when the bootstrap sync cannot
// reach the exchange.
type ActiveLister interface {
	ListActiveNames(ctx context.Context) ([]string, error)
}

// Orchestrator wires the pipeline components together and drives them.
type Orchestrator struct {
	cfg        *config.Config
	logger     *logrus.Logger
	registry   *registry.Registry
	bus        *pubsub.Bus
	consumer   *stream.Consumer
	batcher    *batch.Batcher
	reconciler *backfill.Reconciler
	manager    *watchlist.Manager
	symbols    ActiveLister

	syncRequests chan struct{}
}

// New creates an orchestrator over fully-constructed components. The stream
// consumer is subscribed to the registry here so it follows every universe
// change from the first sync on.
func New(cfg *config.Config, reg *registry.Registry, bus *pubsub.Bus, consumer *stream.Consumer, batcher *batch.Batcher, reconciler *backfill.Reconciler, manager *watchlist.Manager, symbols ActiveLister, logger *logrus.Logger) *Orchestrator {
	reg.Subscribe(consumer)
	return &Orchestrator{
		cfg:          cfg,
		logger:       logger,
		registry:     reg,
		bus:          bus,
		consumer:     consumer,
		batcher:      batcher,
		reconciler:   reconciler,
		manager:      manager,
		symbols:      symbols,
		syncRequests: make(chan struct{}, 1),
	}
}

// Run bootstraps the universe and blocks running every background loop until
// the context is cancelled. Pending candles are flushed on the way out.
func (o *Orchestrator) Run(ctx context.Context) {
	o.bootstrap(ctx)

	var wg sync.WaitGroup
	loops := []func(context.Context){
		o.consumer.Run,
		o.flushLoop,
		o.syncLoop,
		o.refreshLoop,
		o.sweepLoop,
		o.configLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()

	// The consumer already flushed on shutdown; this catches anything a
	// timed flush buffered after that.
	o.batcher.Flush(context.Background())
	o.logger.Info("Ingestion pipeline stopped")
}

// RequestSync schedules a watchlist re-evaluation. Coalesces with any sync
// already pending.
func (o *Orchestrator) RequestSync() {
	select {
	case o.syncRequests <- struct{}{}:
	default:
	}
}

// bootstrap establishes the initial tracked universe. If the full sync fails
// (exchange or enrichment unreachable) the last persisted active set keeps
// streaming alive until the next scheduled sync.
func (o *Orchestrator) bootstrap(ctx context.Context) {
	report, err := o.manager.Sync(ctx)
	if err == nil {
		o.backfillNew(ctx, report.Activated)
		return
	}
	o.logger.WithError(err).Warn("Bootstrap sync failed, restoring persisted universe")

	names, err := o.symbols.ListActiveNames(ctx)
	if err != nil {
		o.logger.WithError(err).Error("Could not restore persisted universe")
		return
	}
	o.registry.Update(names, o.cfg.Watchlist.Timeframes)
}

func (o *Orchestrator) syncLoop(ctx context.Context) {
	interval := config.Duration(o.cfg.Watchlist.SyncInterval, 24*time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.syncRequests:
		}

		report, err := o.manager.Sync(ctx)
		if err != nil {
			o.logger.WithError(err).Warn("Watchlist sync failed")
			continue
		}
		o.backfillNew(ctx, report.Activated)
	}
}

// refreshLoop keeps enrichment stats current between the daily syncs and
// reactivates symbols that qualify again, backfilling their history gap
// right away.
func (o *Orchestrator) refreshLoop(ctx context.Context) {
	interval := config.Duration(o.cfg.Enrichment.RefreshInterval, 5*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reactivated, err := o.manager.Refresh(ctx)
			if err != nil {
				o.logger.WithError(err).Warn("Enrichment refresh failed")
				continue
			}
			o.backfillNew(ctx, reactivated)
		}
	}
}

// backfillNew repairs history for freshly-activated symbols immediately so
// they do not wait for the next scheduled sweep.
func (o *Orchestrator) backfillNew(ctx context.Context, symbols []string) {
	if len(symbols) == 0 {
		return
	}
	o.logger.WithField("symbols", len(symbols)).Info("Backfilling newly activated symbols")
	o.reconciler.SweepUniverse(ctx, symbols, o.cfg.Watchlist.Timeframes)
}

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	interval := config.Duration(o.cfg.Backfill.SweepInterval, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The first sweep runs immediately to repair whatever was missed while
	// the pipeline was down.
	o.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweep(ctx)
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	symbols, timeframes := o.registry.Snapshot()
	if len(symbols) == 0 || len(timeframes) == 0 {
		return
	}

	start := time.Now()
	results := o.reconciler.SweepUniverse(ctx, symbols, timeframes)

	var inserted, updated, errors int
	for _, r := range results {
		inserted += r.Inserted
		updated += r.Updated
		errors += r.Errors
	}
	o.logger.WithFields(logrus.Fields{
		"pairs":    len(results),
		"inserted": inserted,
		"updated":  updated,
		"errors":   errors,
		"elapsed":  time.Since(start).Round(time.Millisecond).String(),
	}).Info("Gap sweep complete")
}

func (o *Orchestrator) flushLoop(ctx context.Context) {
	interval := config.Duration(o.cfg.Batcher.BatchTimeout, 5*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.batcher.Len() > 0 {
				o.batcher.Flush(ctx)
			}
		}
	}
}

// configLoop re-evaluates the watchlist whenever a configuration change is
// announced, so threshold edits take effect without a restart.
func (o *Orchestrator) configLoop(ctx context.Context) {
	channel := o.cfg.Watchlist.ConfigChannel
	if channel == "" {
		return
	}
	o.bus.Listen(ctx, channel, func(payload []byte) {
		o.logger.WithField("channel", channel).Info("Configuration change received")
		o.RequestSync()
	})
}
