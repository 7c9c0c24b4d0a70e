package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Exchange    ExchangeConfig   `mapstructure:"exchange"`
	Enrichment  EnrichmentConfig `mapstructure:"enrichment"`
	Stream      StreamConfig     `mapstructure:"stream"`
	Batcher     BatcherConfig    `mapstructure:"batcher"`
	Backfill    BackfillConfig   `mapstructure:"backfill"`
	Watchlist   WatchlistConfig  `mapstructure:"watchlist"`
	Cleanup     CleanupConfig    `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	SSLMode      string `mapstructure:"sslmode"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ExchangeConfig covers the exchange REST API and its protective limits.
type ExchangeConfig struct {
	RESTBaseURL       string `mapstructure:"rest_base_url"`
	Timeout           string `mapstructure:"timeout"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	FailureThreshold  int    `mapstructure:"failure_threshold"`
	RecoveryTimeout   string `mapstructure:"recovery_timeout"`
}

// EnrichmentConfig covers the market-cap/volume data API.
type EnrichmentConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	Timeout           string `mapstructure:"timeout"`
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	FailureThreshold  int    `mapstructure:"failure_threshold"`
	RecoveryTimeout   string `mapstructure:"recovery_timeout"`
	TopMarkets        int    `mapstructure:"top_markets"`
	RefreshInterval   string `mapstructure:"refresh_interval"`
}

type StreamConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	ReadTimeout       string `mapstructure:"read_timeout"`
	PingInterval      string `mapstructure:"ping_interval"`
	MaxReconnectDelay string `mapstructure:"max_reconnect_delay"`
}

type BatcherConfig struct {
	BatchSize    int    `mapstructure:"batch_size"`
	BatchTimeout string `mapstructure:"batch_timeout"`
}

type BackfillConfig struct {
	CandleLimit    int     `mapstructure:"candle_limit"`
	MaxRetries     int     `mapstructure:"max_retries"`
	Concurrency    int     `mapstructure:"concurrency"`
	SweepInterval  string  `mapstructure:"sweep_interval"`
	PriceTolerance float64 `mapstructure:"price_tolerance"`
}

type WatchlistConfig struct {
	MinVolume24h  float64  `mapstructure:"min_volume_24h"`
	MinMarketCap  float64  `mapstructure:"min_market_cap"`
	Timeframes    []string `mapstructure:"timeframes"`
	SyncInterval  string   `mapstructure:"sync_interval"`
	ConfigChannel string   `mapstructure:"config_channel"`
	QuoteAsset    string   `mapstructure:"quote_asset"`
}

type CleanupConfig struct {
	RetentionDays int  `mapstructure:"retention_days"`
	DryRun        bool `mapstructure:"dry_run"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	for name, value := range map[string]string{
		"exchange.timeout":            config.Exchange.Timeout,
		"exchange.recovery_timeout":   config.Exchange.RecoveryTimeout,
		"enrichment.timeout":          config.Enrichment.Timeout,
		"enrichment.refresh_interval": config.Enrichment.RefreshInterval,
		"stream.read_timeout":         config.Stream.ReadTimeout,
		"stream.ping_interval":        config.Stream.PingInterval,
		"stream.max_reconnect_delay":  config.Stream.MaxReconnectDelay,
		"batcher.batch_timeout":       config.Batcher.BatchTimeout,
		"backfill.sweep_interval":     config.Backfill.SweepInterval,
		"watchlist.sync_interval":     config.Watchlist.SyncInterval,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", name, err)
		}
	}

	return &config, nil
}

// Duration parses a config duration string, falling back when it is empty or invalid.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "candlekeep")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 25)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("exchange.rest_base_url", "https://fapi.binance.com")
	viper.SetDefault("exchange.timeout", "30s")
	viper.SetDefault("exchange.requests_per_second", 10)
	viper.SetDefault("exchange.requests_per_minute", 1200)
	viper.SetDefault("exchange.failure_threshold", 5)
	viper.SetDefault("exchange.recovery_timeout", "60s")

	viper.SetDefault("enrichment.base_url", "https://api.coingecko.com/api/v3")
	viper.SetDefault("enrichment.timeout", "30s")
	viper.SetDefault("enrichment.requests_per_second", 1)
	viper.SetDefault("enrichment.requests_per_minute", 30)
	viper.SetDefault("enrichment.failure_threshold", 5)
	viper.SetDefault("enrichment.recovery_timeout", "60s")
	viper.SetDefault("enrichment.top_markets", 250)
	viper.SetDefault("enrichment.refresh_interval", "5m")

	viper.SetDefault("stream.base_url", "wss://fstream.binance.com")
	viper.SetDefault("stream.read_timeout", "30s")
	viper.SetDefault("stream.ping_interval", "15s")
	viper.SetDefault("stream.max_reconnect_delay", "60s")

	viper.SetDefault("batcher.batch_size", 100)
	viper.SetDefault("batcher.batch_timeout", "5s")

	viper.SetDefault("backfill.candle_limit", 200)
	viper.SetDefault("backfill.max_retries", 3)
	viper.SetDefault("backfill.concurrency", 4)
	viper.SetDefault("backfill.sweep_interval", "1h")
	viper.SetDefault("backfill.price_tolerance", 1e-9)

	viper.SetDefault("watchlist.min_volume_24h", 50000000.0)
	viper.SetDefault("watchlist.min_market_cap", 50000000.0)
	viper.SetDefault("watchlist.timeframes", []string{"1m", "1h", "4h", "1d"})
	viper.SetDefault("watchlist.sync_interval", "24h")
	viper.SetDefault("watchlist.config_channel", "watchlist:config")
	viper.SetDefault("watchlist.quote_asset", "USDT")

	viper.SetDefault("cleanup.retention_days", 180)
	viper.SetDefault("cleanup.dry_run", true)
}
