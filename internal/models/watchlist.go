package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FilterKind is a manual watchlist override.
type FilterKind string

const (
	FilterWhitelist FilterKind = "whitelist"
	FilterBlacklist FilterKind = "blacklist"
)

// WatchlistFilter pins a symbol in or out of the qualified universe
// regardless of its market stats. A symbol has at most one filter entry.
type WatchlistFilter struct {
	SymbolName string     `json:"symbol_name" db:"symbol_name"`
	Kind       FilterKind `json:"kind" db:"kind"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// MarketStat is the latest enrichment snapshot for one symbol.
type MarketStat struct {
	SymbolName string          `json:"symbol_name" db:"symbol_name"`
	ExternalID string          `json:"external_id" db:"external_id"`
	MarketCap  decimal.Decimal `json:"market_cap" db:"market_cap"`
	Volume24h  decimal.Decimal `json:"volume_24h" db:"volume_24h"`
	ImageURL   string          `json:"image_url" db:"image_url"`
	FetchedAt  time.Time       `json:"fetched_at" db:"fetched_at"`
}

// QualificationThresholds are the minimums a symbol must meet for automatic
// inclusion in the watchlist. They are owned by the configuration store.
type QualificationThresholds struct {
	MinVolume24h decimal.Decimal `json:"min_volume_24h" db:"min_volume_24h"`
	MinMarketCap decimal.Decimal `json:"min_market_cap" db:"min_market_cap"`
}
