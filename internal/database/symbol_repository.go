package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/candlekeep/candlekeep/internal/models"
)

// SymbolRepository handles database operations for the symbol registry table.
//
// Lifecycle transitions (active/removed_at) belong to the watchlist manager;
// ingestion paths only create rows or fill a missing image reference.
type SymbolRepository struct {
	pool PgxPool
}

// NewSymbolRepository creates a new symbol repository.
func NewSymbolRepository(pool PgxPool) *SymbolRepository {
	return &SymbolRepository{pool: pool}
}

// GetByName returns a symbol by its unique name, or nil when absent.
func (r *SymbolRepository) GetByName(ctx context.Context, name string) (*models.Symbol, error) {
	query := `
		SELECT id, name, base_asset, quote_asset, image_url, active, removed_at, created_at
		FROM symbols
		WHERE name = $1
	`

	var s models.Symbol
	err := r.pool.QueryRow(ctx, query, name).Scan(
		&s.ID, &s.Name, &s.BaseAsset, &s.QuoteAsset, &s.ImageURL, &s.Active, &s.RemovedAt, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get symbol %s: %w", name, err)
	}
	return &s, nil
}

// GetOrCreate returns the id of the named symbol, inserting it on first
// sighting. New rows start active.
func (r *SymbolRepository) GetOrCreate(ctx context.Context, name, baseAsset, quoteAsset string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, "SELECT id FROM symbols WHERE name = $1", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up symbol %s: %w", name, err)
	}

	query := `
		INSERT INTO symbols (name, base_asset, quote_asset, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`
	err = r.pool.QueryRow(ctx, query, name, baseAsset, quoteAsset).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create symbol %s: %w", name, err)
	}
	return id, nil
}

// ListActiveNames returns the names of all active symbols.
func (r *SymbolRepository) ListActiveNames(ctx context.Context) ([]string, error) {
	return r.listNames(ctx, true)
}

// ListInactiveNames returns the names of all soft-deleted symbols.
func (r *SymbolRepository) ListInactiveNames(ctx context.Context) ([]string, error) {
	return r.listNames(ctx, false)
}

func (r *SymbolRepository) listNames(ctx context.Context, active bool) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT name FROM symbols WHERE active = $1 ORDER BY name", active)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan symbol name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating symbols: %w", err)
	}
	return names, nil
}

// Activate reactivates the named symbols. Only currently-inactive rows are
// touched, so re-running is a no-op. Returns the number actually changed.
func (r *SymbolRepository) Activate(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}

	query := `
		UPDATE symbols
		SET active = true, removed_at = NULL
		WHERE name = ANY($1) AND active = false
	`
	result, err := r.pool.Exec(ctx, query, names)
	if err != nil {
		return 0, fmt.Errorf("failed to activate symbols: %w", err)
	}
	return result.RowsAffected(), nil
}

// Deactivate soft-deletes the named symbols, stamping removed_at. Only
// currently-active rows are touched. Returns the number actually changed.
func (r *SymbolRepository) Deactivate(ctx context.Context, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}

	query := `
		UPDATE symbols
		SET active = false, removed_at = CURRENT_TIMESTAMP
		WHERE name = ANY($1) AND active = true
	`
	result, err := r.pool.Exec(ctx, query, names)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate symbols: %w", err)
	}
	return result.RowsAffected(), nil
}

// FillMissingImage sets the image reference only when the row has none.
func (r *SymbolRepository) FillMissingImage(ctx context.Context, name, imageURL string) error {
	query := `
		UPDATE symbols
		SET image_url = $2
		WHERE name = $1 AND image_url IS NULL
	`
	if _, err := r.pool.Exec(ctx, query, name, imageURL); err != nil {
		return fmt.Errorf("failed to fill image for %s: %w", name, err)
	}
	return nil
}

// CountInactiveBefore reports how many symbols have been continuously
// inactive since before the cutoff. Used by the purge dry run.
func (r *SymbolRepository) CountInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM symbols WHERE active = false AND removed_at < $1",
		cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count purgeable symbols: %w", err)
	}
	return count, nil
}

// PurgeInactiveBefore hard-deletes symbols inactive since before the cutoff,
// cascading their candle, market-stat and signal history in one transaction.
func (r *SymbolRepository) PurgeInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cascade := []string{
		"DELETE FROM candles WHERE symbol_id IN (SELECT id FROM symbols WHERE active = false AND removed_at < $1)",
		"DELETE FROM signals WHERE symbol_id IN (SELECT id FROM symbols WHERE active = false AND removed_at < $1)",
		"DELETE FROM market_stats WHERE symbol_name IN (SELECT name FROM symbols WHERE active = false AND removed_at < $1)",
	}
	for _, query := range cascade {
		if _, err := tx.Exec(ctx, query, cutoff); err != nil {
			return 0, fmt.Errorf("failed to purge symbol history: %w", err)
		}
	}

	result, err := tx.Exec(ctx,
		"DELETE FROM symbols WHERE active = false AND removed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge symbols: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return result.RowsAffected(), nil
}
