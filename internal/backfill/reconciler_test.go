package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/exchange"
	"github.com/candlekeep/candlekeep/internal/models"
)

type fakeFetcher struct {
	klines []exchange.Kline
	errs   []error
	calls  int
}

func (f *fakeFetcher) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]exchange.Kline, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.klines, nil
}

type fakeCandleStore struct {
	stored       map[time.Time]models.Candle
	inserts      []models.Candle
	updates      []models.Candle
	reconcileErr error
}

func (s *fakeCandleStore) GetByOpenTimes(ctx context.Context, symbolID, timeframeID int64, openTimes []time.Time) (map[time.Time]models.Candle, error) {
	out := make(map[time.Time]models.Candle)
	for _, ts := range openTimes {
		if c, ok := s.stored[ts.UTC()]; ok {
			out[ts.UTC()] = c
		}
	}
	return out, nil
}

func (s *fakeCandleStore) Reconcile(ctx context.Context, inserts, updates []models.Candle) error {
	if s.reconcileErr != nil {
		return s.reconcileErr
	}
	s.inserts = append(s.inserts, inserts...)
	s.updates = append(s.updates, updates...)
	return nil
}

func (s *fakeCandleStore) GetTimeframe(ctx context.Context, name string) (*models.Timeframe, error) {
	return &models.Timeframe{ID: 1, Name: name, Seconds: 60}, nil
}

type fakeSymbolResolver struct{}

func (fakeSymbolResolver) GetByName(ctx context.Context, name string) (*models.Symbol, error) {
	return &models.Symbol{ID: 7, Name: name, Active: true}, nil
}

func kline(openTime time.Time, closePrice int64) exchange.Kline {
	return exchange.Kline{
		OpenTime:  openTime,
		CloseTime: openTime.Add(time.Minute),
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(110),
		Low:       decimal.NewFromInt(90),
		Close:     decimal.NewFromInt(closePrice),
		Volume:    decimal.NewFromInt(5),
	}
}

func storedCandle(openTime time.Time, closePrice int64) models.Candle {
	return models.Candle{
		SymbolID:    7,
		TimeframeID: 1,
		OpenTime:    openTime,
		Open:        decimal.NewFromInt(100),
		High:        decimal.NewFromInt(110),
		Low:         decimal.NewFromInt(90),
		Close:       decimal.NewFromInt(closePrice),
		Volume:      decimal.NewFromInt(5),
		Closed:      true,
	}
}

func newTestReconciler(fetcher *fakeFetcher, store *fakeCandleStore) *Reconciler {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := NewReconciler(fetcher, store, fakeSymbolResolver{}, config.BackfillConfig{
		CandleLimit: 10,
		MaxRetries:  3,
		Concurrency: 2,
	}, logger)
	r.transientBackoff = time.Millisecond
	r.rateLimitBackoff = time.Millisecond
	return r
}

func TestReconcilePair_InsertsMissingAndUpdatesDivergent(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{klines: []exchange.Kline{
		kline(base, 101),                    // missing in storage
		kline(base.Add(time.Minute), 102),   // stored but divergent
		kline(base.Add(2*time.Minute), 103), // stored and matching
		kline(base.Add(3*time.Minute), 999), // newest, never reconciled
	}}
	store := &fakeCandleStore{stored: map[time.Time]models.Candle{
		base.Add(time.Minute):     storedCandle(base.Add(time.Minute), 150),
		base.Add(2 * time.Minute): storedCandle(base.Add(2*time.Minute), 103),
	}}

	r := newTestReconciler(fetcher, store)
	result := r.ReconcilePair(context.Background(), "BTCUSDT", "1m")

	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 0, result.Errors)

	require.Len(t, store.inserts, 1)
	assert.Equal(t, base, store.inserts[0].OpenTime)
	assert.True(t, store.inserts[0].Closed)

	require.Len(t, store.updates, 1)
	assert.Equal(t, base.Add(time.Minute), store.updates[0].OpenTime)
	assert.Equal(t, "102", store.updates[0].Close.String())
}

func TestReconcilePair_MatchingWindowWritesNothing(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{klines: []exchange.Kline{
		kline(base, 101),
		kline(base.Add(time.Minute), 102),
	}}
	store := &fakeCandleStore{stored: map[time.Time]models.Candle{
		base: storedCandle(base, 101),
	}}

	r := newTestReconciler(fetcher, store)
	result := r.ReconcilePair(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 0, result.Updated)

	// Re-running against the now-consistent store stays idempotent.
	store.stored[base] = storedCandle(base, 101)
	result = r.ReconcilePair(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, 0, result.Inserted+result.Updated+result.Errors)
}

func TestReconcilePair_SingleCandleWindowIsEmpty(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{klines: []exchange.Kline{kline(base, 101)}}
	store := &fakeCandleStore{stored: map[time.Time]models.Candle{}}

	r := newTestReconciler(fetcher, store)
	result := r.ReconcilePair(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, Result{Symbol: "BTCUSDT", Timeframe: "1m"}, result)
	assert.Empty(t, store.inserts)
}

func TestReconcilePair_ToleranceAbsorbsNoise(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fresh := kline(base, 100)
	fresh.Close = decimal.RequireFromString("100.00000000001")
	fetcher := &fakeFetcher{klines: []exchange.Kline{fresh, kline(base.Add(time.Minute), 999)}}
	store := &fakeCandleStore{stored: map[time.Time]models.Candle{
		base: storedCandle(base, 100),
	}}

	r := newTestReconciler(fetcher, store)
	result := r.ReconcilePair(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, 0, result.Updated)
}

func TestReconcilePair_FailedCommitEarnsNoCredit(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{klines: []exchange.Kline{
		kline(base, 101),
		kline(base.Add(time.Minute), 102),
	}}
	store := &fakeCandleStore{
		stored:       map[time.Time]models.Candle{},
		reconcileErr: errors.New("connection refused"),
	}

	r := newTestReconciler(fetcher, store)
	result := r.ReconcilePair(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 0, result.Updated)
	assert.Equal(t, 1, result.Errors)
}

func TestReconcilePair_RetriesTransientFetchErrors(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{
		klines: []exchange.Kline{kline(base, 101), kline(base.Add(time.Minute), 102)},
		errs:   []error{errors.New("transient"), nil},
	}
	store := &fakeCandleStore{stored: map[time.Time]models.Candle{}}

	r := newTestReconciler(fetcher, store)
	result := r.ReconcilePair(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, 2, fetcher.calls)
	assert.Equal(t, 1, result.Inserted)
	assert.Equal(t, 0, result.Errors)
}

func TestReconcilePair_GivesUpAfterMaxRetries(t *testing.T) {
	fetcher := &fakeFetcher{errs: []error{
		exchange.ErrRateLimited, exchange.ErrRateLimited, exchange.ErrRateLimited,
	}}
	store := &fakeCandleStore{stored: map[time.Time]models.Candle{}}

	r := newTestReconciler(fetcher, store)
	result := r.ReconcilePair(context.Background(), "BTCUSDT", "1m")
	assert.Equal(t, 3, fetcher.calls)
	assert.Equal(t, 1, result.Errors)
}

func TestSweepUniverse_CoversEveryPair(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{klines: []exchange.Kline{kline(base, 101)}}
	store := &fakeCandleStore{stored: map[time.Time]models.Candle{}}

	r := newTestReconciler(fetcher, store)
	results := r.SweepUniverse(context.Background(),
		[]string{"BTCUSDT", "ETHUSDT"}, []string{"1m", "1h"})
	assert.Len(t, results, 4)
}
