// Package backfill repairs gaps and corrections in persisted candle history
// by diffing a recent REST window against storage.
package backfill

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/exchange"
	"github.com/candlekeep/candlekeep/internal/models"
)

// KlineFetcher is the REST history source.
type KlineFetcher interface {
	FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]exchange.Kline, error)
}

// CandleStore is the persisted candle history.
type CandleStore interface {
	GetByOpenTimes(ctx context.Context, symbolID, timeframeID int64, openTimes []time.Time) (map[time.Time]models.Candle, error)
	Reconcile(ctx context.Context, inserts, updates []models.Candle) error
	GetTimeframe(ctx context.Context, name string) (*models.Timeframe, error)
}

// SymbolResolver maps symbol names to storage ids. The reconciler only
// repairs history for symbols the watchlist already tracks; it never
// creates them.
type SymbolResolver interface {
	GetByName(ctx context.Context, name string) (*models.Symbol, error)
}

// Result reports one reconciliation pass. A failed commit reports zero
// inserts and updates; the reconciler never claims credit for an
// uncommitted write.
type Result struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Errors    int    `json:"errors"`
}

const (
	transientBackoff = 2 * time.Second
	rateLimitBackoff = 15 * time.Second
)

// Reconciler fetches, diffs and repairs candle history per
// (symbol, timeframe) pair.
type Reconciler struct {
	fetcher     KlineFetcher
	store       CandleStore
	symbols     SymbolResolver
	logger      *logrus.Logger
	candleLimit int
	maxRetries  int
	concurrency int
	tolerance   float64

	transientBackoff time.Duration
	rateLimitBackoff time.Duration
}

// NewReconciler creates a backfill reconciler.
func NewReconciler(fetcher KlineFetcher, store CandleStore, symbols SymbolResolver, cfg config.BackfillConfig, logger *logrus.Logger) *Reconciler {
	candleLimit := cfg.CandleLimit
	if candleLimit <= 0 {
		candleLimit = 200
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	tolerance := cfg.PriceTolerance
	if tolerance <= 0 {
		tolerance = 1e-9
	}

	return &Reconciler{
		fetcher:          fetcher,
		store:            store,
		symbols:          symbols,
		logger:           logger,
		candleLimit:      candleLimit,
		maxRetries:       maxRetries,
		concurrency:      concurrency,
		tolerance:        tolerance,
		transientBackoff: transientBackoff,
		rateLimitBackoff: rateLimitBackoff,
	}
}

// ReconcilePair repairs one (symbol, timeframe) pair and reports what it
// changed. All failures are contained here; sibling pairs are unaffected.
func (r *Reconciler) ReconcilePair(ctx context.Context, symbol, timeframe string) Result {
	result := Result{Symbol: symbol, Timeframe: timeframe}
	log := r.logger.WithFields(logrus.Fields{"symbol": symbol, "timeframe": timeframe})

	klines, err := r.fetchWithRetry(ctx, symbol, timeframe)
	if err != nil {
		log.WithError(err).Warn("Backfill fetch failed after retries")
		result.Errors++
		return result
	}

	// The newest candle may still be open; it is never reconciled. A
	// single-element window therefore carries no usable data.
	if len(klines) <= 1 {
		return result
	}
	window := klines[:len(klines)-1]

	tf, err := r.store.GetTimeframe(ctx, timeframe)
	if err != nil || tf == nil {
		log.WithError(err).Warn("Backfill could not resolve timeframe")
		result.Errors++
		return result
	}
	sym, err := r.symbols.GetByName(ctx, symbol)
	if err != nil || sym == nil {
		log.WithError(err).Warn("Backfill could not resolve symbol")
		result.Errors++
		return result
	}
	symbolID := sym.ID

	openTimes := make([]time.Time, len(window))
	for i, k := range window {
		openTimes[i] = k.OpenTime
	}
	stored, err := r.store.GetByOpenTimes(ctx, symbolID, tf.ID, openTimes)
	if err != nil {
		log.WithError(err).Warn("Backfill could not load stored candles")
		result.Errors++
		return result
	}

	var inserts, updates []models.Candle
	for _, k := range window {
		row := models.Candle{
			SymbolID:    symbolID,
			TimeframeID: tf.ID,
			OpenTime:    k.OpenTime,
			Open:        k.Open,
			High:        k.High,
			Low:         k.Low,
			Close:       k.Close,
			Volume:      k.Volume,
			Closed:      true,
		}

		existing, ok := stored[k.OpenTime.UTC()]
		if !ok {
			inserts = append(inserts, row)
			continue
		}
		if r.diverges(existing, k) {
			updates = append(updates, row)
		}
	}

	if len(inserts)+len(updates) == 0 {
		return result
	}

	if err := r.store.Reconcile(ctx, inserts, updates); err != nil {
		// Uncommitted work earns no credit.
		log.WithError(err).Warn("Backfill commit failed")
		result.Errors++
		return result
	}

	result.Inserted = len(inserts)
	result.Updated = len(updates)
	log.WithFields(logrus.Fields{
		"inserted": result.Inserted,
		"updated":  result.Updated,
	}).Info("Backfill reconciled candle window")
	return result
}

// SweepUniverse reconciles every (symbol, timeframe) pair under a bounded
// concurrency limit so the sweep cannot starve the rate limiter.
func (r *Reconciler) SweepUniverse(ctx context.Context, symbols, timeframes []string) []Result {
	sem := make(chan struct{}, r.concurrency)
	results := make([]Result, 0, len(symbols)*len(timeframes))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, symbol := range symbols {
		for _, timeframe := range timeframes {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			go func(symbol, timeframe string) {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				defer func() { <-sem }()

				result := r.ReconcilePair(ctx, symbol, timeframe)
				mu.Lock()
				results = append(results, result)
				mu.Unlock()
			}(symbol, timeframe)
		}
	}
	wg.Wait()
	return results
}

// fetchWithRetry retries transient REST failures with escalating backoff.
// Rate-limit responses wait longer than generic errors.
func (r *Reconciler) fetchWithRetry(ctx context.Context, symbol, timeframe string) ([]exchange.Kline, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		klines, err := r.fetcher.FetchKlines(ctx, symbol, timeframe, time.Time{}, time.Time{}, r.candleLimit)
		if err == nil {
			return klines, nil
		}
		lastErr = err

		if attempt == r.maxRetries {
			break
		}

		backoff := r.transientBackoff * time.Duration(attempt)
		if errors.Is(err, exchange.ErrRateLimited) {
			backoff = r.rateLimitBackoff * time.Duration(attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// diverges reports whether the stored row differs from the fresh kline
// beyond the relative tolerance. The tolerance absorbs floating-point noise,
// not real divergence.
func (r *Reconciler) diverges(stored models.Candle, fresh exchange.Kline) bool {
	pairs := [][2]decimal.Decimal{
		{stored.Open, fresh.Open},
		{stored.High, fresh.High},
		{stored.Low, fresh.Low},
		{stored.Close, fresh.Close},
		{stored.Volume, fresh.Volume},
	}
	for _, pair := range pairs {
		if !withinTolerance(pair[0], pair[1], r.tolerance) {
			return true
		}
	}
	return false
}

func withinTolerance(a, b decimal.Decimal, tolerance float64) bool {
	if a.Equal(b) {
		return true
	}
	diff := a.Sub(b).Abs().InexactFloat64()
	scale := a.Abs().InexactFloat64()
	if scale < 1 {
		scale = 1
	}
	return diff/scale <= tolerance
}
