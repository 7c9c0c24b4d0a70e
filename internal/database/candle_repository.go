package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/candlekeep/candlekeep/internal/models"
)

// CandleRepository handles database operations for candle history and the
// timeframe reference table.
type CandleRepository struct {
	pool PgxPool
}

// NewCandleRepository creates a new candle repository.
func NewCandleRepository(pool PgxPool) *CandleRepository {
	return &CandleRepository{pool: pool}
}

const upsertClosedSQL = `
	INSERT INTO candles (symbol_id, timeframe_id, open_time, open, high, low, close, volume, closed, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, CURRENT_TIMESTAMP)
	ON CONFLICT (symbol_id, timeframe_id, open_time) DO UPDATE SET
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		closed = true,
		updated_at = CURRENT_TIMESTAMP
`

// The merge path never touches a row that has already closed: a stale
// in-progress update arriving after the close must not reopen it.
const mergeInProgressSQL = `
	INSERT INTO candles (symbol_id, timeframe_id, open_time, open, high, low, close, volume, closed, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, CURRENT_TIMESTAMP)
	ON CONFLICT (symbol_id, timeframe_id, open_time) DO UPDATE SET
		high = GREATEST(candles.high, EXCLUDED.high),
		low = LEAST(candles.low, EXCLUDED.low),
		close = EXCLUDED.close,
		volume = EXCLUDED.volume,
		updated_at = CURRENT_TIMESTAMP
	WHERE candles.closed = false
`

// SaveBatch writes one flush worth of candles in a single transaction:
// closed rows are full-row overwrites, in-progress rows use the merge rule.
// A failed transaction rolls back and reports every row as failed.
func (r *CandleRepository) SaveBatch(ctx context.Context, closed, inProgress []models.Candle) (int, error) {
	total := len(closed) + len(inProgress)
	if total == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range closed {
		if _, err := tx.Exec(ctx, upsertClosedSQL,
			c.SymbolID, c.TimeframeID, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return 0, fmt.Errorf("failed to upsert closed candle: %w", err)
		}
	}
	for _, c := range inProgress {
		if _, err := tx.Exec(ctx, mergeInProgressSQL,
			c.SymbolID, c.TimeframeID, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return 0, fmt.Errorf("failed to merge in-progress candle: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}
	return total, nil
}

// GetByOpenTimes loads the stored candles for the given open timestamps,
// keyed by open time in UTC.
func (r *CandleRepository) GetByOpenTimes(ctx context.Context, symbolID, timeframeID int64, openTimes []time.Time) (map[time.Time]models.Candle, error) {
	found := make(map[time.Time]models.Candle, len(openTimes))
	if len(openTimes) == 0 {
		return found, nil
	}

	query := `
		SELECT symbol_id, timeframe_id, open_time, open, high, low, close, volume, closed, updated_at
		FROM candles
		WHERE symbol_id = $1 AND timeframe_id = $2 AND open_time = ANY($3)
	`
	rows, err := r.pool.Query(ctx, query, symbolID, timeframeID, openTimes)
	if err != nil {
		return nil, fmt.Errorf("failed to load candles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.SymbolID, &c.TimeframeID, &c.OpenTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Closed, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		found[c.OpenTime.UTC()] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}
	return found, nil
}

// Reconcile commits backfill inserts and corrections atomically. All rows are
// written as closed. Returns an error (and zero progress) if anything fails.
func (r *CandleRepository) Reconcile(ctx context.Context, inserts, updates []models.Candle) error {
	if len(inserts)+len(updates) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range append(inserts, updates...) {
		if _, err := tx.Exec(ctx, upsertClosedSQL,
			c.SymbolID, c.TimeframeID, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to reconcile candle: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reconcile: %w", err)
	}
	return nil
}

// GetTimeframe returns the timeframe row for a canonical name, or nil.
func (r *CandleRepository) GetTimeframe(ctx context.Context, name string) (*models.Timeframe, error) {
	var tf models.Timeframe
	err := r.pool.QueryRow(ctx,
		"SELECT id, name, seconds FROM timeframes WHERE name = $1", name).
		Scan(&tf.ID, &tf.Name, &tf.Seconds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get timeframe %s: %w", name, err)
	}
	return &tf, nil
}

// ListTimeframes returns all timeframe reference rows.
func (r *CandleRepository) ListTimeframes(ctx context.Context) ([]models.Timeframe, error) {
	rows, err := r.pool.Query(ctx, "SELECT id, name, seconds FROM timeframes ORDER BY seconds")
	if err != nil {
		return nil, fmt.Errorf("failed to list timeframes: %w", err)
	}
	defer rows.Close()

	var timeframes []models.Timeframe
	for rows.Next() {
		var tf models.Timeframe
		if err := rows.Scan(&tf.ID, &tf.Name, &tf.Seconds); err != nil {
			return nil, fmt.Errorf("failed to scan timeframe: %w", err)
		}
		timeframes = append(timeframes, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeframes: %w", err)
	}
	return timeframes, nil
}

// CountCandles reports the total stored candle rows, surfaced by the status
// endpoint.
func (r *CandleRepository) CountCandles(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM candles").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return count, nil
}
