package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/candlekeep/candlekeep/internal/models"
)

// klinePayload is the exchange's kline event body. The same shape arrives
// either bare or wrapped in a combined-stream envelope.
type klinePayload struct {
	EventType string    `json:"e"`
	Symbol    string    `json:"s"`
	Kline     klineData `json:"k"`
}

type klineData struct {
	OpenTime  int64  `json:"t"`
	CloseTime int64  `json:"T"`
	Symbol    string `json:"s"`
	Interval  string `json:"i"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Closed    bool   `json:"x"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// parseKlineMessage converts one raw stream message into a canonical candle
// update. It returns an error for anything malformed or physically
// impossible; the caller counts the rejection and keeps the loop alive.
func parseKlineMessage(raw []byte) (*models.CandleUpdate, error) {
	payload := raw

	// Combined streams wrap the event in {stream, data}.
	var envelope streamEnvelope
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var event klinePayload
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("malformed stream message: %w", err)
	}
	if event.EventType != "kline" {
		return nil, fmt.Errorf("unexpected event type %q", event.EventType)
	}

	k := event.Kline
	if k.OpenTime == 0 {
		return nil, fmt.Errorf("kline for %s missing open timestamp", event.Symbol)
	}

	values := make([]decimal.Decimal, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("kline for %s has malformed value %q", event.Symbol, s)
		}
		values[i] = d
	}

	symbol := event.Symbol
	if symbol == "" {
		symbol = k.Symbol
	}

	update := &models.CandleUpdate{
		Symbol:    symbol,
		Timeframe: k.Interval,
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Closed:    k.Closed,
	}
	if !update.Valid() {
		return nil, fmt.Errorf("kline for %s fails validation: o=%s h=%s l=%s c=%s v=%s",
			symbol, k.Open, k.High, k.Low, k.Close, k.Volume)
	}
	return update, nil
}
