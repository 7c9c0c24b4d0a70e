package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "candlekeep", cfg.Database.DBName)
	assert.Equal(t, 10, cfg.Exchange.RequestsPerSecond)
	assert.Equal(t, 1200, cfg.Exchange.RequestsPerMinute)
	assert.Equal(t, 100, cfg.Batcher.BatchSize)
	assert.Equal(t, 200, cfg.Backfill.CandleLimit)
	assert.InDelta(t, 1e-9, cfg.Backfill.PriceTolerance, 1e-15)
	assert.Equal(t, []string{"1m", "1h", "4h", "1d"}, cfg.Watchlist.Timeframes)
	assert.Equal(t, "watchlist:config", cfg.Watchlist.ConfigChannel)
	assert.Equal(t, 180, cfg.Cleanup.RetentionDays)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("ENVIRONMENT", "PRODUCTION")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Environment)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("5s", time.Minute))
	assert.Equal(t, time.Minute, Duration("", time.Minute))
	assert.Equal(t, time.Minute, Duration("nonsense", time.Minute))
}
