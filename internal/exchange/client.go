// Package exchange is the REST ingestion client for the exchange API. Every
// network call passes through the rate limiter and then the circuit breaker.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/ratelimit"
	"github.com/candlekeep/candlekeep/internal/resilience"
)

// MaxKlineLimit is the exchange-side cap on candles per klines request.
const MaxKlineLimit = 1000

// ErrRateLimited marks an HTTP 429 so retry loops can apply the longer
// rate-limit backoff instead of the generic transient one.
var ErrRateLimited = errors.New("upstream rate limit hit")

// Client fetches candle history, ticker snapshots and instrument metadata.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.DualLimiter
	breaker    *resilience.CircuitBreaker
	logger     *logrus.Logger
}

// NewClient creates a new exchange REST client.
func NewClient(cfg config.ExchangeConfig, logger *logrus.Logger) *Client {
	timeout := config.Duration(cfg.Timeout, 30*time.Second)

	breaker := resilience.NewCircuitBreaker("exchange-rest", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  config.Duration(cfg.RecoveryTimeout, 60*time.Second),
	}, logger)

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.RESTBaseURL, "/"),
		limiter:    ratelimit.New(cfg.RequestsPerSecond, cfg.RequestsPerMinute),
		breaker:    breaker,
		logger:     logger,
	}
}

// Breaker exposes the client's circuit breaker for status reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// FetchKlines returns candle history for (symbol, interval). Zero start/end
// mean "most recent". limit is clamped to the exchange maximum.
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, start, end time.Time, limit int) ([]Kline, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}

	var raw [][]interface{}
	if err := c.get(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		k, err := parseKlineRow(row)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"symbol": symbol,
				"error":  err.Error(),
			}).Warn("Skipping malformed kline row")
			continue
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// FetchTicker24h returns the 24h rolling window for one symbol.
func (c *Client) FetchTicker24h(ctx context.Context, symbol string) (*Ticker24h, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var ticker Ticker24h
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", params, &ticker); err != nil {
		return nil, err
	}
	return &ticker, nil
}

// FetchAllTickers24h returns the 24h rolling window for every symbol.
func (c *Client) FetchAllTickers24h(ctx context.Context) ([]Ticker24h, error) {
	var tickers []Ticker24h
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", nil, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

// FetchPerpetualInstruments returns exchange metadata filtered to actively
// trading perpetual contracts.
func (c *Client) FetchPerpetualInstruments(ctx context.Context) ([]Instrument, error) {
	var info exchangeInfoResponse
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}

	instruments := make([]Instrument, 0, len(info.Symbols))
	for _, inst := range info.Symbols {
		if inst.Tradable() {
			instruments = append(instruments, inst)
		}
	}
	return instruments, nil
}

// get performs a rate-limited, breaker-protected GET and decodes the JSON
// response into result.
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		endpoint := c.baseURL + path
		if len(params) > 0 {
			endpoint += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%s: %w", path, ErrRateLimited)
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, string(body))
		}

		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
		return nil
	})
}

// parseKlineRow converts the exchange's positional kline array
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseKlineRow(row []interface{}) (Kline, error) {
	if len(row) < 7 {
		return Kline{}, fmt.Errorf("kline row has %d fields, want at least 7", len(row))
	}

	openMs, ok := row[0].(float64)
	if !ok {
		return Kline{}, errors.New("kline open time is not a number")
	}
	closeMs, ok := row[6].(float64)
	if !ok {
		return Kline{}, errors.New("kline close time is not a number")
	}

	prices := make([]decimal.Decimal, 5)
	for i, idx := range []int{1, 2, 3, 4, 5} {
		s, ok := row[idx].(string)
		if !ok {
			return Kline{}, fmt.Errorf("kline field %d is not a string", idx)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return Kline{}, fmt.Errorf("kline field %d: %w", idx, err)
		}
		prices[i] = d
	}

	return Kline{
		OpenTime:  time.UnixMilli(int64(openMs)).UTC(),
		CloseTime: time.UnixMilli(int64(closeMs)).UTC(),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    prices[4],
	}, nil
}
