package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar keyed by (symbol, timeframe, open time).
type Candle struct {
	SymbolID    int64           `json:"symbol_id" db:"symbol_id"`
	TimeframeID int64           `json:"timeframe_id" db:"timeframe_id"`
	OpenTime    time.Time       `json:"open_time" db:"open_time"`
	Open        decimal.Decimal `json:"open" db:"open"`
	High        decimal.Decimal `json:"high" db:"high"`
	Low         decimal.Decimal `json:"low" db:"low"`
	Close       decimal.Decimal `json:"close" db:"close"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
	Closed      bool            `json:"closed" db:"closed"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// CandleUpdate is the canonical parsed form of one streaming kline message.
type CandleUpdate struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}

// Key identifies the stored row this update targets.
func (u CandleUpdate) Key() string {
	return u.Symbol + "|" + u.Timeframe + "|" + u.OpenTime.UTC().Format(time.RFC3339)
}

// Valid reports whether the update is physically possible: every OHLCV value
// positive, high >= low, and an open time present.
func (u CandleUpdate) Valid() bool {
	if u.OpenTime.IsZero() {
		return false
	}
	for _, v := range []decimal.Decimal{u.Open, u.High, u.Low, u.Close, u.Volume} {
		if !v.IsPositive() {
			return false
		}
	}
	return !u.High.LessThan(u.Low)
}
