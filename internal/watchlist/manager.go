// Package watchlist decides which instruments the pipeline tracks. It joins
// exchange listings with enrichment stats and manual overrides, drives the
// active/inactive symbol lifecycle, and announces universe deltas.
package watchlist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/enrichment"
	"github.com/candlekeep/candlekeep/internal/exchange"
	"github.com/candlekeep/candlekeep/internal/models"
)

// SymbolStore is the symbol lifecycle surface of the registry table.
type SymbolStore interface {
	GetOrCreate(ctx context.Context, name, baseAsset, quoteAsset string) (int64, error)
	ListActiveNames(ctx context.Context) ([]string, error)
	ListInactiveNames(ctx context.Context) ([]string, error)
	Activate(ctx context.Context, names []string) (int64, error)
	Deactivate(ctx context.Context, names []string) (int64, error)
	FillMissingImage(ctx context.Context, name, imageURL string) error
	CountInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatStore holds filters, thresholds and enrichment snapshots.
type StatStore interface {
	ListFilters(ctx context.Context) ([]models.WatchlistFilter, error)
	GetThresholds(ctx context.Context) (*models.QualificationThresholds, error)
	UpsertMarketStats(ctx context.Context, stats []models.MarketStat) error
	ListMarketStats(ctx context.Context) ([]models.MarketStat, error)
}

// Enricher resolves tickers to their market-cap records in one bulk pass,
// keyed by lower-cased ticker. Lookups soft-fail by omission.
type Enricher interface {
	ResolveMarkets(ctx context.Context, tickers []string) map[string]*enrichment.Market
}

// InstrumentSource lists the exchange's tradable contracts and their 24h
// rolling statistics.
type InstrumentSource interface {
	FetchPerpetualInstruments(ctx context.Context) ([]exchange.Instrument, error)
	FetchAllTickers24h(ctx context.Context) ([]exchange.Ticker24h, error)
}

// Publisher announces universe deltas to external consumers.
type Publisher interface {
	PublishUniverseChanged(ctx context.Context, added, removed []string) error
}

// Universe is the in-process subscription registry the stream consumer
// follows.
type Universe interface {
	Update(symbols, timeframes []string) (added, removed []string)
}

// SyncReport summarizes one watchlist evaluation.
type SyncReport struct {
	Listed      int      `json:"listed"`
	Qualified   int      `json:"qualified"`
	Activated   []string `json:"activated"`
	Deactivated []string `json:"deactivated"`
}

// Manager owns the tracked-instrument lifecycle.
type Manager struct {
	symbols  SymbolStore
	stats    StatStore
	enricher Enricher
	exchange InstrumentSource
	bus      Publisher
	universe Universe
	cfg      config.WatchlistConfig
	logger   *logrus.Logger
}

// NewManager creates a watchlist manager.
func NewManager(symbols SymbolStore, stats StatStore, enricher Enricher, ex InstrumentSource, bus Publisher, universe Universe, cfg config.WatchlistConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		symbols:  symbols,
		stats:    stats,
		enricher: enricher,
		exchange: ex,
		bus:      bus,
		universe: universe,
		cfg:      cfg,
		logger:   logger,
	}
}

// Thresholds returns the qualification minimums, preferring the database row
// over the file configuration so thresholds can change without a restart.
func (m *Manager) Thresholds(ctx context.Context) models.QualificationThresholds {
	if t, err := m.stats.GetThresholds(ctx); err == nil && t != nil {
		return *t
	} else if err != nil {
		m.logger.WithError(err).Warn("Falling back to configured thresholds")
	}
	return models.QualificationThresholds{
		MinVolume24h: decimal.NewFromFloat(m.cfg.MinVolume24h),
		MinMarketCap: decimal.NewFromFloat(m.cfg.MinMarketCap),
	}
}

// Qualify decides whether one symbol belongs in the tracked universe.
// A blacklist entry always excludes and takes precedence over a whitelist
// entry; a whitelist entry includes regardless of stats; otherwise the
// symbol must clear both the volume and the market-cap minimum. A symbol
// with no enrichment record never qualifies on stats alone.
func Qualify(name string, stat *models.MarketStat, filters map[string]models.FilterKind, t models.QualificationThresholds) bool {
	switch filters[name] {
	case models.FilterBlacklist:
		return false
	case models.FilterWhitelist:
		return true
	}
	if stat == nil {
		return false
	}
	return stat.Volume24h.GreaterThanOrEqual(t.MinVolume24h) &&
		stat.MarketCap.GreaterThanOrEqual(t.MinMarketCap)
}

// Sync runs one full watchlist evaluation: list the exchange's perpetual
// contracts, register unseen ones, refresh enrichment stats, qualify every
// listed symbol, flip lifecycle states and announce the delta.
func (m *Manager) Sync(ctx context.Context) (*SyncReport, error) {
	instruments, err := m.exchange.FetchPerpetualInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}

	// Snapshot before registration: rows created below start active, and the
	// activation delta must still report them so they get backfilled.
	prevActive, err := m.symbols.ListActiveNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}

	listed := make(map[string]exchange.Instrument)
	for _, inst := range instruments {
		if !inst.Tradable() {
			continue
		}
		if m.cfg.QuoteAsset != "" && inst.QuoteAsset != m.cfg.QuoteAsset {
			continue
		}
		listed[inst.Symbol] = inst
		if _, err := m.symbols.GetOrCreate(ctx, inst.Symbol, inst.BaseAsset, inst.QuoteAsset); err != nil {
			m.logger.WithField("symbol", inst.Symbol).WithError(err).Warn("Failed to register symbol")
		}
	}

	tickers := make(map[string]string, len(listed))
	for name, inst := range listed {
		ticker := inst.BaseAsset
		if ticker == "" {
			ticker = m.baseTicker(name)
		}
		tickers[name] = ticker
	}
	stats := m.refreshStats(ctx, tickers)

	filters, err := m.filterMap(ctx)
	if err != nil {
		return nil, err
	}
	thresholds := m.Thresholds(ctx)

	var qualified []string
	for name := range listed {
		stat := stats[name]
		if Qualify(name, stat, filters, thresholds) {
			qualified = append(qualified, name)
		}
	}
	// A whitelisted symbol stays tracked even after the exchange delists it;
	// its stream subscription just goes quiet.
	for name, kind := range filters {
		if kind == models.FilterWhitelist {
			if _, ok := listed[name]; !ok {
				qualified = append(qualified, name)
			}
		}
	}

	report, err := m.applyUniverse(ctx, qualified, prevActive)
	if err != nil {
		return nil, err
	}
	report.Listed = len(listed)
	report.Qualified = len(qualified)

	m.logger.WithFields(logrus.Fields{
		"listed":      report.Listed,
		"qualified":   report.Qualified,
		"activated":   len(report.Activated),
		"deactivated": len(report.Deactivated),
	}).Info("Watchlist sync complete")
	return report, nil
}

// applyUniverse flips lifecycle states to match the qualified set, updates
// the in-process registry and publishes the delta.
func (m *Manager) applyUniverse(ctx context.Context, qualified, prevActive []string) (*SyncReport, error) {
	current, err := m.symbols.ListActiveNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}

	qualifiedSet := make(map[string]bool, len(qualified))
	for _, name := range qualified {
		qualifiedSet[name] = true
	}
	prevSet := make(map[string]bool, len(prevActive))
	for _, name := range prevActive {
		prevSet[name] = true
	}

	var toActivate, toDeactivate []string
	for _, name := range qualified {
		if !prevSet[name] {
			toActivate = append(toActivate, name)
		}
	}
	for _, name := range current {
		if !qualifiedSet[name] {
			toDeactivate = append(toDeactivate, name)
		}
	}

	if _, err := m.symbols.Activate(ctx, toActivate); err != nil {
		return nil, err
	}
	if _, err := m.symbols.Deactivate(ctx, toDeactivate); err != nil {
		return nil, err
	}

	added, removed := m.universe.Update(qualified, m.cfg.Timeframes)
	if err := m.bus.PublishUniverseChanged(ctx, added, removed); err != nil {
		m.logger.WithError(err).Warn("Failed to publish universe change")
	}

	return &SyncReport{Activated: toActivate, Deactivated: toDeactivate}, nil
}

// refreshStats resolves the enrichment record for every given (symbol name →
// base ticker) pair in one bulk pass and persists the snapshot. The exchange's
// 24h quote volume, fetched once for all symbols, overrides the enrichment
// volume when present. Individual lookup failures leave the symbol without a
// fresh stat; they never abort the sweep.
func (m *Manager) refreshStats(ctx context.Context, tickers map[string]string) map[string]*models.MarketStat {
	stats := make(map[string]*models.MarketStat, len(tickers))
	var batch []models.MarketStat

	lookup := make([]string, 0, len(tickers))
	for _, ticker := range tickers {
		lookup = append(lookup, ticker)
	}
	markets := m.enricher.ResolveMarkets(ctx, lookup)
	volumes := m.quoteVolumes(ctx)

	for name, ticker := range tickers {
		market := markets[strings.ToLower(ticker)]
		volume, hasVolume := volumes[name]
		if market == nil && !hasVolume {
			continue
		}

		stat := models.MarketStat{
			SymbolName: name,
			FetchedAt:  time.Now().UTC(),
		}
		if market != nil {
			stat.ExternalID = market.ID
			stat.MarketCap = decimal.NewFromFloat(market.MarketCap)
			stat.Volume24h = decimal.NewFromFloat(market.TotalVolume)
			stat.ImageURL = market.Image
		}
		if hasVolume {
			stat.Volume24h = volume
		}
		stats[name] = &stat
		batch = append(batch, stat)

		if market != nil && market.Image != "" {
			if err := m.symbols.FillMissingImage(ctx, name, market.Image); err != nil {
				m.logger.WithField("symbol", name).WithError(err).Warn("Failed to backfill image")
			}
		}
	}

	if err := m.stats.UpsertMarketStats(ctx, batch); err != nil {
		m.logger.WithError(err).Warn("Failed to persist market stats")
	}

	// Symbols skipped this sweep keep their last persisted snapshot, so a
	// transient enrichment outage does not evict half the universe.
	if persisted, err := m.stats.ListMarketStats(ctx); err == nil {
		for i := range persisted {
			if _, ok := stats[persisted[i].SymbolName]; !ok {
				stats[persisted[i].SymbolName] = &persisted[i]
			}
		}
	} else {
		m.logger.WithError(err).Warn("Failed to load persisted market stats")
	}

	return stats
}

// quoteVolumes fetches the exchange's 24h ticker snapshot once and indexes
// the quote volume by symbol name. An empty map on failure just leaves the
// enrichment volume in charge.
func (m *Manager) quoteVolumes(ctx context.Context) map[string]decimal.Decimal {
	tickers, err := m.exchange.FetchAllTickers24h(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to fetch 24h tickers")
		return nil
	}
	volumes := make(map[string]decimal.Decimal, len(tickers))
	for _, t := range tickers {
		volumes[t.Symbol] = t.QuoteVolume
	}
	return volumes
}

func (m *Manager) baseTicker(name string) string {
	return strings.TrimSuffix(name, m.cfg.QuoteAsset)
}

// Refresh re-resolves enrichment stats for every known symbol and
// reactivates inactive ones that qualify again. It runs far more often than
// the full sync and never creates or deactivates symbols.
func (m *Manager) Refresh(ctx context.Context) ([]string, error) {
	active, err := m.symbols.ListActiveNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	inactive, err := m.symbols.ListInactiveNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive symbols: %w", err)
	}

	tickers := make(map[string]string, len(active)+len(inactive))
	for _, name := range active {
		tickers[name] = m.baseTicker(name)
	}
	for _, name := range inactive {
		tickers[name] = m.baseTicker(name)
	}
	m.refreshStats(ctx, tickers)

	return m.ReactivateQualifying(ctx)
}

// ReactivateQualifying activates inactive symbols whose latest persisted
// stats pass qualification, or that are whitelisted, and returns their names
// so the caller can backfill the history gap immediately.
func (m *Manager) ReactivateQualifying(ctx context.Context) ([]string, error) {
	inactive, err := m.symbols.ListInactiveNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list inactive symbols: %w", err)
	}
	if len(inactive) == 0 {
		return nil, nil
	}

	filters, err := m.filterMap(ctx)
	if err != nil {
		return nil, err
	}
	thresholds := m.Thresholds(ctx)

	stats := make(map[string]*models.MarketStat)
	persisted, err := m.stats.ListMarketStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load market stats: %w", err)
	}
	for i := range persisted {
		stats[persisted[i].SymbolName] = &persisted[i]
	}

	var reactivate []string
	for _, name := range inactive {
		if Qualify(name, stats[name], filters, thresholds) {
			reactivate = append(reactivate, name)
		}
	}
	if len(reactivate) == 0 {
		return nil, nil
	}

	if _, err := m.symbols.Activate(ctx, reactivate); err != nil {
		return nil, err
	}

	current, err := m.symbols.ListActiveNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	added, removed := m.universe.Update(current, m.cfg.Timeframes)
	if err := m.bus.PublishUniverseChanged(ctx, added, removed); err != nil {
		m.logger.WithError(err).Warn("Failed to publish universe change")
	}

	m.logger.WithField("reactivated", reactivate).Info("Reactivated qualifying symbols")
	return reactivate, nil
}

// PurgeInactive hard-deletes symbols that have been inactive longer than the
// retention window, with their candle and signal history. In dry-run mode it
// only reports the count.
func (m *Manager) PurgeInactive(ctx context.Context, cfg config.CleanupConfig) (int64, error) {
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	cutoff := time.Now().UTC().Add(-retention)

	if cfg.DryRun {
		count, err := m.symbols.CountInactiveBefore(ctx, cutoff)
		if err != nil {
			return 0, err
		}
		m.logger.WithFields(logrus.Fields{
			"cutoff":    cutoff,
			"purgeable": count,
		}).Info("Purge dry run")
		return count, nil
	}

	purged, err := m.symbols.PurgeInactiveBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		m.logger.WithFields(logrus.Fields{
			"cutoff": cutoff,
			"purged": purged,
		}).Info("Purged long-inactive symbols")
	}
	return purged, nil
}

func (m *Manager) filterMap(ctx context.Context) (map[string]models.FilterKind, error) {
	filters, err := m.stats.ListFilters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlist filters: %w", err)
	}
	out := make(map[string]models.FilterKind, len(filters))
	for _, f := range filters {
		out[f.SymbolName] = f.Kind
	}
	return out, nil
}
