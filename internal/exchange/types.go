package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kline is one historical candle returned by the REST klines endpoint.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Ticker24h is the 24-hour rolling window statistics for one symbol.
type Ticker24h struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	Volume      decimal.Decimal `json:"volume"`
}

// Instrument is one contract from the exchange metadata endpoint.
type Instrument struct {
	Symbol       string `json:"symbol"`
	BaseAsset    string `json:"baseAsset"`
	QuoteAsset   string `json:"quoteAsset"`
	Status       string `json:"status"`
	ContractType string `json:"contractType"`
}

type exchangeInfoResponse struct {
	Symbols []Instrument `json:"symbols"`
}

const (
	statusTrading         = "TRADING"
	contractTypePerpetual = "PERPETUAL"
)

// Tradable reports whether the instrument is an actively trading perpetual
// contract.
func (i Instrument) Tradable() bool {
	return i.Status == statusTrading && i.ContractType == contractTypePerpetual
}
