package database

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbolRepository_GetByNameAbsent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSymbolRepository(mock)

	mock.ExpectQuery("SELECT id, name, base_asset").
		WithArgs("NOPEUSDT").
		WillReturnError(pgx.ErrNoRows)

	s, err := repo.GetByName(context.Background(), "NOPEUSDT")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSymbolRepository_GetOrCreateExisting(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSymbolRepository(mock)

	mock.ExpectQuery("SELECT id FROM symbols").
		WithArgs("BTCUSDT").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := repo.GetOrCreate(context.Background(), "BTCUSDT", "BTC", "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSymbolRepository_GetOrCreateInserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSymbolRepository(mock)

	mock.ExpectQuery("SELECT id FROM symbols").
		WithArgs("NEWUSDT").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("INSERT INTO symbols").
		WithArgs("NEWUSDT", "NEW", "USDT").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := repo.GetOrCreate(context.Background(), "NEWUSDT", "NEW", "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSymbolRepository_ActivateReportsChangedRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSymbolRepository(mock)
	names := []string{"AUSDT", "BUSDT"}

	mock.ExpectExec("UPDATE symbols").
		WithArgs(names).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	changed, err := repo.Activate(context.Background(), names)
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	// Empty input never touches the database.
	changed, err = repo.Activate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSymbolRepository_PurgeInactiveBefore(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewSymbolRepository(mock)
	cutoff := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM candles").WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 500))
	mock.ExpectExec("DELETE FROM signals").WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))
	mock.ExpectExec("DELETE FROM market_stats").WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("DELETE FROM symbols").WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectCommit()

	purged, err := repo.PurgeInactiveBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
