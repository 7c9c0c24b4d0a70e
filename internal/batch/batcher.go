// Package batch accumulates parsed candle updates and flushes them to
// storage on a size-or-time trigger.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/models"
	"github.com/candlekeep/candlekeep/internal/pubsub"
)

// CandleStore persists one flush atomically.
type CandleStore interface {
	SaveBatch(ctx context.Context, closed, inProgress []models.Candle) (int, error)
}

// SymbolResolver maps a symbol name to its storage id, creating the row on
// first sighting.
type SymbolResolver interface {
	GetOrCreate(ctx context.Context, name, baseAsset, quoteAsset string) (int64, error)
}

// TimeframeResolver maps a canonical timeframe name to its reference row.
type TimeframeResolver interface {
	GetTimeframe(ctx context.Context, name string) (*models.Timeframe, error)
}

// Publisher emits candle-closed events after a successful flush.
type Publisher interface {
	PublishCandleClosed(ctx context.Context, event pubsub.CandleClosedEvent) error
}

// Stats are the batcher's aggregate counters.
type Stats struct {
	Accepted   int64     `json:"accepted"`
	Saved      int64     `json:"saved"`
	Failed     int64     `json:"failed"`
	Flushes    int64     `json:"flushes"`
	LastFlush  time.Time `json:"last_flush"`
	BufferSize int       `json:"buffer_size"`
}

// Batcher buffers the last received update per (symbol, timeframe, open time)
// key and flushes when the buffer reaches the batch size or the batch timeout
// elapses.
type Batcher struct {
	store      CandleStore
	symbols    SymbolResolver
	timeframes TimeframeResolver
	publisher  Publisher
	logger     *logrus.Logger

	batchSize    int
	batchTimeout time.Duration

	mu        sync.Mutex
	pending   map[string]models.CandleUpdate
	lastFlush time.Time
	stats     Stats
}

// NewBatcher creates a write batcher.
func NewBatcher(store CandleStore, symbols SymbolResolver, timeframes TimeframeResolver, publisher Publisher, batchSize int, batchTimeout time.Duration, logger *logrus.Logger) *Batcher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchTimeout <= 0 {
		batchTimeout = 5 * time.Second
	}
	return &Batcher{
		store:        store,
		symbols:      symbols,
		timeframes:   timeframes,
		publisher:    publisher,
		logger:       logger,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		pending:      make(map[string]models.CandleUpdate),
		lastFlush:    time.Now(),
	}
}

// Add buffers one update, keeping only the last received state per key, and
// flushes if either trigger fires.
func (b *Batcher) Add(ctx context.Context, update models.CandleUpdate) {
	b.mu.Lock()
	b.pending[update.Key()] = update
	b.stats.Accepted++
	shouldFlush := len(b.pending) >= b.batchSize || time.Since(b.lastFlush) >= b.batchTimeout
	b.mu.Unlock()

	if shouldFlush {
		b.Flush(ctx)
	}
}

// Flush writes the buffered updates in one transaction and reports
// (saved, failed) row counts. A failed transaction reports every row as
// failed; there is no partial credit.
func (b *Batcher) Flush(ctx context.Context) (saved, failed int) {
	b.mu.Lock()
	updates := b.pending
	b.pending = make(map[string]models.CandleUpdate)
	b.lastFlush = time.Now()
	b.mu.Unlock()

	if len(updates) == 0 {
		return 0, 0
	}

	closed, inProgress, events, unresolved := b.resolve(ctx, updates)
	failed += unresolved

	total, err := b.store.SaveBatch(ctx, closed, inProgress)
	if err != nil {
		failed += len(closed) + len(inProgress)
		b.logger.WithFields(logrus.Fields{
			"rows":  len(closed) + len(inProgress),
			"error": err.Error(),
		}).Error("Batch flush failed")
	} else {
		saved = total
		b.publishClosed(ctx, events)
	}

	b.mu.Lock()
	b.stats.Saved += int64(saved)
	b.stats.Failed += int64(failed)
	b.stats.Flushes++
	b.stats.LastFlush = time.Now()
	b.mu.Unlock()

	if saved > 0 {
		b.logger.WithFields(logrus.Fields{
			"saved":  saved,
			"failed": failed,
		}).Debug("Flushed candle batch")
	}
	return saved, failed
}

// Reset drops the buffer without writing, used when the stream connection is
// torn down after a best-effort flush.
func (b *Batcher) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string]models.CandleUpdate)
	b.lastFlush = time.Now()
}

// Len returns the current buffer size.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// GetStats returns a copy of the aggregate counters.
func (b *Batcher) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := b.stats
	stats.BufferSize = len(b.pending)
	return stats
}

type pairKey struct {
	symbol    string
	timeframe string
}

type pairIDs struct {
	symbolID    int64
	timeframeID int64
}

// resolve maps updates to storage rows, resolving each distinct
// (symbol, timeframe) pair once per flush.
func (b *Batcher) resolve(ctx context.Context, updates map[string]models.CandleUpdate) (closed, inProgress []models.Candle, events []pubsub.CandleClosedEvent, failed int) {
	cache := make(map[pairKey]pairIDs)

	for _, u := range updates {
		key := pairKey{symbol: u.Symbol, timeframe: u.Timeframe}
		ids, ok := cache[key]
		if !ok {
			resolved, err := b.resolvePair(ctx, u.Symbol, u.Timeframe)
			if err != nil {
				b.logger.WithFields(logrus.Fields{
					"symbol":    u.Symbol,
					"timeframe": u.Timeframe,
					"error":     err.Error(),
				}).Warn("Dropping updates for unresolvable pair")
				cache[key] = pairIDs{}
				failed++
				continue
			}
			ids = *resolved
			cache[key] = ids
		}
		if ids.symbolID == 0 {
			failed++
			continue
		}

		row := models.Candle{
			SymbolID:    ids.symbolID,
			TimeframeID: ids.timeframeID,
			OpenTime:    u.OpenTime.UTC(),
			Open:        u.Open,
			High:        u.High,
			Low:         u.Low,
			Close:       u.Close,
			Volume:      u.Volume,
			Closed:      u.Closed,
		}
		if u.Closed {
			closed = append(closed, row)
			events = append(events, pubsub.CandleClosedEvent{
				Symbol:    u.Symbol,
				Timeframe: u.Timeframe,
				OpenTime:  row.OpenTime,
				Open:      u.Open,
				High:      u.High,
				Low:       u.Low,
				Close:     u.Close,
				Volume:    u.Volume,
			})
		} else {
			inProgress = append(inProgress, row)
		}
	}
	return closed, inProgress, events, failed
}

func (b *Batcher) resolvePair(ctx context.Context, symbol, timeframe string) (*pairIDs, error) {
	base, quote := splitSymbol(symbol)
	symbolID, err := b.symbols.GetOrCreate(ctx, symbol, base, quote)
	if err != nil {
		return nil, fmt.Errorf("resolve symbol: %w", err)
	}

	tf, err := b.timeframes.GetTimeframe(ctx, timeframe)
	if err != nil {
		return nil, fmt.Errorf("resolve timeframe: %w", err)
	}
	if tf == nil {
		return nil, fmt.Errorf("unknown timeframe %s", timeframe)
	}

	return &pairIDs{symbolID: symbolID, timeframeID: tf.ID}, nil
}

func (b *Batcher) publishClosed(ctx context.Context, events []pubsub.CandleClosedEvent) {
	if b.publisher == nil {
		return
	}
	for _, event := range events {
		if err := b.publisher.PublishCandleClosed(ctx, event); err != nil {
			b.logger.WithFields(logrus.Fields{
				"symbol":    event.Symbol,
				"timeframe": event.Timeframe,
				"error":     err.Error(),
			}).Warn("Failed to publish candle closed event")
		}
	}
}

// splitSymbol derives base and quote assets from a concatenated symbol name.
func splitSymbol(symbol string) (string, string) {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC", "ETH", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote), quote
		}
	}
	return symbol, ""
}
