package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/candlekeep/candlekeep/internal/models"
)

// WatchlistRepository handles database operations for watchlist filters,
// enrichment snapshots, qualification thresholds and the ticker to
// external-id mapping cache.
type WatchlistRepository struct {
	pool PgxPool
}

// NewWatchlistRepository creates a new watchlist repository.
func NewWatchlistRepository(pool PgxPool) *WatchlistRepository {
	return &WatchlistRepository{pool: pool}
}

// ListFilters returns every manual whitelist/blacklist entry.
func (r *WatchlistRepository) ListFilters(ctx context.Context) ([]models.WatchlistFilter, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT symbol_name, kind, created_at FROM watchlist_filters ORDER BY symbol_name")
	if err != nil {
		return nil, fmt.Errorf("failed to list watchlist filters: %w", err)
	}
	defer rows.Close()

	var filters []models.WatchlistFilter
	for rows.Next() {
		var f models.WatchlistFilter
		if err := rows.Scan(&f.SymbolName, &f.Kind, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan watchlist filter: %w", err)
		}
		filters = append(filters, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating watchlist filters: %w", err)
	}
	return filters, nil
}

// GetThresholds reads the qualification thresholds from the configuration
// store. Returns nil when no row is present; callers fall back to the file
// config.
func (r *WatchlistRepository) GetThresholds(ctx context.Context) (*models.QualificationThresholds, error) {
	var t models.QualificationThresholds
	err := r.pool.QueryRow(ctx,
		"SELECT min_volume_24h, min_market_cap FROM watchlist_config WHERE id = 1").
		Scan(&t.MinVolume24h, &t.MinMarketCap)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read qualification thresholds: %w", err)
	}
	return &t, nil
}

// UpsertMarketStats replaces the latest enrichment snapshot for each symbol.
func (r *WatchlistRepository) UpsertMarketStats(ctx context.Context, stats []models.MarketStat) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin market stats transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO market_stats (symbol_name, external_id, market_cap, volume_24h, image_url, fetched_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
		ON CONFLICT (symbol_name) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			market_cap = EXCLUDED.market_cap,
			volume_24h = EXCLUDED.volume_24h,
			image_url = EXCLUDED.image_url,
			fetched_at = CURRENT_TIMESTAMP
	`
	for _, s := range stats {
		if _, err := tx.Exec(ctx, query,
			s.SymbolName, s.ExternalID, s.MarketCap, s.Volume24h, s.ImageURL); err != nil {
			return fmt.Errorf("failed to upsert market stats for %s: %w", s.SymbolName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit market stats: %w", err)
	}
	return nil
}

// ListMarketStats returns the latest enrichment snapshot per symbol.
func (r *WatchlistRepository) ListMarketStats(ctx context.Context) ([]models.MarketStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT symbol_name, external_id, market_cap, volume_24h, image_url, fetched_at
		FROM market_stats
		ORDER BY symbol_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list market stats: %w", err)
	}
	defer rows.Close()

	var stats []models.MarketStat
	for rows.Next() {
		var s models.MarketStat
		if err := rows.Scan(&s.SymbolName, &s.ExternalID, &s.MarketCap, &s.Volume24h, &s.ImageURL, &s.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan market stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating market stats: %w", err)
	}
	return stats, nil
}

// GetExternalID looks up the persisted ticker to external-id mapping.
func (r *WatchlistRepository) GetExternalID(ctx context.Context, ticker string) (string, error) {
	var externalID string
	err := r.pool.QueryRow(ctx,
		"SELECT external_id FROM coin_id_map WHERE ticker = $1", ticker).Scan(&externalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to look up external id for %s: %w", ticker, err)
	}
	return externalID, nil
}

// SaveExternalID persists a confirmed ticker to external-id mapping.
func (r *WatchlistRepository) SaveExternalID(ctx context.Context, ticker, externalID string) error {
	query := `
		INSERT INTO coin_id_map (ticker, external_id)
		VALUES ($1, $2)
		ON CONFLICT (ticker) DO UPDATE SET external_id = EXCLUDED.external_id
	`
	if _, err := r.pool.Exec(ctx, query, ticker, externalID); err != nil {
		return fmt.Errorf("failed to save external id for %s: %w", ticker, err)
	}
	return nil
}
