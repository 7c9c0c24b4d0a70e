// Package enrichment is the REST client for the market-cap/volume data API.
// Per-symbol lookups soft-fail: high-volume background sweeps must not abort
// because one ticker could not be resolved.
package enrichment

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

	"github.com/sirupsen/logrus"

	"github.com/candlekeep/candlekeep/internal/config"
	"github.com/candlekeep/candlekeep/internal/database"
	"github.com/candlekeep/candlekeep/internal/ratelimit"
	"github.com/candlekeep/candlekeep/internal/resilience"
)

const (
	marketsPerPage = 250
	idCachePrefix  = "coinid:"
	idCacheTTL     = 24 * time.Hour
)

// ErrRateLimited marks an HTTP 429 from the enrichment API.
var ErrRateLimited = errors.New("enrichment rate limit hit")

// Market is one row from the markets endpoint.
type Market struct {
	ID          string  `json:"id"`
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Image       string  `json:"image"`
	MarketCap   float64 `json:"market_cap"`
	TotalVolume float64 `json:"total_volume"`
}

// SearchResult is the payload of the free-text search endpoint.
type SearchResult struct {
	Coins []SearchCoin `json:"coins"`
}

// SearchCoin is one hit from the search endpoint.
type SearchCoin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// MappingStore is the persisted ticker to external-id cache consulted before
// any search round trip.
type MappingStore interface {
	GetExternalID(ctx context.Context, ticker string) (string, error)
	SaveExternalID(ctx context.Context, ticker, externalID string) error
}

// Client fetches market capitalization and volume data.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *ratelimit.DualLimiter
	breaker    *resilience.CircuitBreaker
	mappings   MappingStore
	redis      *database.RedisClient
	logger     *logrus.Logger
}

// NewClient creates a new enrichment client. redis is an optional hot tier in
// front of the persisted mapping store and may be nil.
func NewClient(cfg config.EnrichmentConfig, mappings MappingStore, redis *database.RedisClient, logger *logrus.Logger) *Client {
	timeout := config.Duration(cfg.Timeout, 30*time.Second)

	breaker := resilience.NewCircuitBreaker("enrichment-rest", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  config.Duration(cfg.RecoveryTimeout, 60*time.Second),
	}, logger)

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		limiter:    ratelimit.New(cfg.RequestsPerSecond, cfg.RequestsPerMinute),
		breaker:    breaker,
		mappings:   mappings,
		redis:      redis,
		logger:     logger,
	}
}

// Breaker exposes the client's circuit breaker for status reporting.
func (c *Client) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// TopMarkets returns the top n markets by market capitalization, paginating
// as needed.
func (c *Client) TopMarkets(ctx context.Context, n int) ([]Market, error) {
	if n <= 0 {
		n = marketsPerPage
	}

	var markets []Market
	for page := 1; len(markets) < n; page++ {
		params := url.Values{}
		params.Set("vs_currency", "usd")
		params.Set("order", "market_cap_desc")
		params.Set("per_page", strconv.Itoa(marketsPerPage))
		params.Set("page", strconv.Itoa(page))

		var batch []Market
		if err := c.get(ctx, "/coins/markets", params, &batch); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		markets = append(markets, batch...)
	}

	if len(markets) > n {
		markets = markets[:n]
	}
	return markets, nil
}

// MarketsByID returns market rows for an explicit external-id list.
func (c *Client) MarketsByID(ctx context.Context, ids []string) ([]Market, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var markets []Market
	for start := 0; start < len(ids); start += marketsPerPage {
		end := start + marketsPerPage
		if end > len(ids) {
			end = len(ids)
		}

		params := url.Values{}
		params.Set("vs_currency", "usd")
		params.Set("ids", strings.Join(ids[start:end], ","))
		params.Set("per_page", strconv.Itoa(marketsPerPage))

		var batch []Market
		if err := c.get(ctx, "/coins/markets", params, &batch); err != nil {
			return nil, err
		}
		markets = append(markets, batch...)
	}
	return markets, nil
}

// Search queries the free-text search endpoint.
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	params := url.Values{}
	params.Set("query", query)

	var resp SearchResult
	if err := c.get(ctx, "/search", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveMarkets resolves many tickers in one pass, keyed by lower-cased
// ticker. Tickers with a known id mapping are fetched in bulk pages; only
// unmapped (or stale-mapped) tickers fall back to the per-ticker search
// path. Unresolvable tickers are absent from the result.
func (c *Client) ResolveMarkets(ctx context.Context, tickers []string) map[string]*Market {
	resolved := make(map[string]*Market, len(tickers))

	idToTickers := make(map[string][]string)
	seen := make(map[string]bool, len(tickers))
	var unmapped []string
	for _, ticker := range tickers {
		ticker = strings.ToLower(ticker)
		if seen[ticker] {
			continue
		}
		seen[ticker] = true
		if id := c.cachedExternalID(ctx, ticker); id != "" {
			idToTickers[id] = append(idToTickers[id], ticker)
		} else {
			unmapped = append(unmapped, ticker)
		}
	}

	ids := make([]string, 0, len(idToTickers))
	for id := range idToTickers {
		ids = append(ids, id)
	}
	markets, err := c.MarketsByID(ctx, ids)
	if err != nil {
		c.logger.WithError(err).Warn("Bulk enrichment fetch failed")
	}
	for i := range markets {
		for _, ticker := range idToTickers[markets[i].ID] {
			resolved[ticker] = &markets[i]
		}
	}

	// Mapped tickers the bulk fetch did not return carry a stale id: retire
	// the hot-tier entry and send them through the search path with the rest.
	for _, tickersForID := range idToTickers {
		for _, ticker := range tickersForID {
			if _, ok := resolved[ticker]; ok {
				continue
			}
			if err == nil {
				c.invalidateExternalID(ctx, ticker)
			}
			unmapped = append(unmapped, ticker)
		}
	}

	for _, ticker := range unmapped {
		if ctx.Err() != nil {
			break
		}
		if m := c.ResolveMarket(ctx, ticker); m != nil {
			resolved[ticker] = m
		}
	}
	return resolved
}

// ResolveMarket finds the enrichment record for one ticker using a
// three-tier strategy: the mapping cache, then an exact-match search, then a
// lower-cased id guess. A confirmed match updates the cache. Failures return
// nil and log; they never propagate.
func (c *Client) ResolveMarket(ctx context.Context, ticker string) *Market {
	ticker = strings.ToLower(ticker)

	if id := c.cachedExternalID(ctx, ticker); id != "" {
		if m := c.marketByID(ctx, id); m != nil {
			return m
		}
	}

	if m := c.resolveViaSearch(ctx, ticker); m != nil {
		c.storeExternalID(ctx, ticker, m.ID)
		return m
	}

	// Last resort: many listings use the bare lower-cased ticker as their id.
	if m := c.marketByID(ctx, ticker); m != nil {
		c.storeExternalID(ctx, ticker, m.ID)
		return m
	}

	c.logger.WithField("ticker", ticker).Debug("Could not resolve enrichment record")
	return nil
}

func (c *Client) resolveViaSearch(ctx context.Context, ticker string) *Market {
	resp, err := c.Search(ctx, ticker)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"ticker": ticker,
			"error":  err.Error(),
		}).Warn("Enrichment search failed")
		return nil
	}

	for _, coin := range resp.Coins {
		// Only an exact ticker match counts; search is fuzzy.
		if strings.EqualFold(coin.Symbol, ticker) {
			return c.marketByID(ctx, coin.ID)
		}
	}
	return nil
}

func (c *Client) marketByID(ctx context.Context, id string) *Market {
	markets, err := c.MarketsByID(ctx, []string{id})
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"external_id": id,
			"error":       err.Error(),
		}).Warn("Enrichment market lookup failed")
		return nil
	}
	if len(markets) == 0 {
		return nil
	}
	return &markets[0]
}

func (c *Client) cachedExternalID(ctx context.Context, ticker string) string {
	if c.redis != nil {
		if id, err := c.redis.Get(ctx, idCachePrefix+ticker); err == nil && id != "" {
			return id
		}
	}
	if c.mappings == nil {
		return ""
	}
	id, err := c.mappings.GetExternalID(ctx, ticker)
	if err != nil {
		c.logger.WithField("ticker", ticker).WithError(err).Warn("Mapping cache lookup failed")
		return ""
	}
	if id != "" && c.redis != nil {
		_ = c.redis.Set(ctx, idCachePrefix+ticker, id, idCacheTTL)
	}
	return id
}

func (c *Client) invalidateExternalID(ctx context.Context, ticker string) {
	if c.redis != nil {
		_ = c.redis.Delete(ctx, idCachePrefix+ticker)
	}
}

func (c *Client) storeExternalID(ctx context.Context, ticker, externalID string) {
	if c.mappings != nil {
		if err := c.mappings.SaveExternalID(ctx, ticker, externalID); err != nil {
			c.logger.WithField("ticker", ticker).WithError(err).Warn("Failed to persist id mapping")
		}
	}
	if c.redis != nil {
		_ = c.redis.Set(ctx, idCachePrefix+ticker, externalID, idCacheTTL)
	}
}

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
