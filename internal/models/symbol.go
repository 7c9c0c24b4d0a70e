package models

import (
	"time"
)

// Symbol represents a tracked exchange instrument.
// Active is true exactly when RemovedAt is nil; the watchlist manager is the
// only writer of those two fields.
type Symbol struct {
	ID         int64      `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	BaseAsset  string     `json:"base_asset" db:"base_asset"`
	QuoteAsset string     `json:"quote_asset" db:"quote_asset"`
	ImageURL   *string    `json:"image_url,omitempty" db:"image_url"`
	Active     bool       `json:"active" db:"active"`
	RemovedAt  *time.Time `json:"removed_at,omitempty" db:"removed_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Timeframe is static reference data describing a candle bucket size.
type Timeframe struct {
	ID      int64  `json:"id" db:"id"`
	Name    string `json:"name" db:"name"`
	Seconds int    `json:"seconds" db:"seconds"`
}

// Duration returns the timeframe bucket width.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds) * time.Second
}
