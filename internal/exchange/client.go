// Package exchange implements the upstream venue's read-only REST API:
// exchange-info discovery, order-book snapshots, and the reference-data
// GETs used by the integrity/autoscale layer (book ticker, klines, open
// interest, premium index, server time).
//
// Every request goes through a shared resty client with retry on 5xx and
// transport errors. The venue's 429/418 rate-limit responses are surfaced
// to the caller as a *RateLimitError carrying the parsed Retry-After, so
// the Snapshot Fetcher can arm its own backoff rather than have this
// client silently retry into a wall.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"ingestd/pkg/types"
)

// RateLimitError wraps a 429/418 response from the venue, carrying the
// parsed Retry-After so callers can arm backoff state.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("exchange: rate limited (status %d), retry after %s", e.StatusCode, e.RetryAfter)
}

// Client is the read-only REST client for the upstream venue. It never
// signs or places orders; this module only consumes public market data.
type Client struct {
	http    *resty.Client
	weights *WeightBudget // 1-minute weight gate for the reference-data GETs
	logger  *slog.Logger
}

// NewClient creates a REST client pointed at baseURL with retry on 5xx and
// transport errors.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		http:    httpClient,
		weights: NewWeightBudget(venueWeightLimit1m, budgetHeadroom),
		logger:  logger.With("component", "exchange-client"),
	}
}

// check folds the response's reported weight usage into the budget, then
// converts a 429/418 into a *RateLimitError with the parsed Retry-After
// header (seconds), defaulting to 60s if the header is absent or
// unparseable.
func (c *Client) check(resp *resty.Response) error {
	c.weights.Observe(UsedWeight1m(resp))

	if resp.StatusCode() != http.StatusTooManyRequests && resp.StatusCode() != http.StatusTeapot {
		return nil
	}
	retryAfter := 60 * time.Second
	if h := resp.Header().Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return &RateLimitError{StatusCode: resp.StatusCode(), RetryAfter: retryAfter}
}

// UsedWeight1m reads the x-mbx-used-weight-1m header observed on the most
// recent response, or -1 if absent.
func UsedWeight1m(resp *resty.Response) int {
	h := resp.Header().Get("x-mbx-used-weight-1m")
	if h == "" {
		return -1
	}
	w, err := strconv.Atoi(h)
	if err != nil {
		return -1
	}
	return w
}

// waitWeight blocks until cost units fit in the REST weight budget, or ctx
// is cancelled. Depth snapshots skip this gate deliberately: they're paced
// by internal/snapshot's own global/per-symbol backoff, which already
// accounts for the venue's stricter per-endpoint limit on that route.
func (c *Client) waitWeight(ctx context.Context, cost int) error {
	return c.weights.Wait(ctx, cost)
}

// UsedWeight returns the client's current in-window weight estimate,
// already reconciled against the venue's reported figures.
func (c *Client) UsedWeight() float64 {
	return c.weights.Used()
}

// ExchangeInfo fetches GET /fapi/v1/exchangeInfo: the full symbol universe
// with per-symbol tick/step sizes.
func (c *Client) ExchangeInfo(ctx context.Context) (*types.ExchangeInfoResponse, error) {
	if err := c.waitWeight(ctx, weightExchangeInfo); err != nil {
		return nil, err
	}
	var result types.ExchangeInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return nil, fmt.Errorf("exchange info: %w", err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("exchange info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// Depth fetches GET /fapi/v1/depth?symbol=S&limit=N: a full order-book
// snapshot at a given sequence id. limit is capped at 1000 by the venue.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*types.DepthResponse, error) {
	var result types.DepthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", strconv.Itoa(limit)).
		SetResult(&result).
		Get("/fapi/v1/depth")
	if err != nil {
		return nil, fmt.Errorf("depth %s: %w", symbol, err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("depth %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// BookTicker fetches GET /fapi/v1/ticker/bookTicker for one symbol.
func (c *Client) BookTicker(ctx context.Context, symbol string) (*types.BookTickerResponse, error) {
	if err := c.waitWeight(ctx, weightBookTicker); err != nil {
		return nil, err
	}
	var result types.BookTickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&result).
		Get("/fapi/v1/ticker/bookTicker")
	if err != nil {
		return nil, fmt.Errorf("book ticker %s: %w", symbol, err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("book ticker %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// Klines fetches GET /fapi/v1/klines for symbol/interval, returning the raw
// array-of-arrays payload the venue sends.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([][]interface{}, error) {
	if err := c.waitWeight(ctx, weightKlines); err != nil {
		return nil, err
	}
	var result [][]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, fmt.Errorf("klines %s: %w", symbol, err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("klines %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return result, nil
}

// OpenInterest fetches GET /fapi/v1/openInterest for symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (map[string]interface{}, error) {
	return c.getJSONMap(ctx, "/fapi/v1/openInterest", weightOpenInterest, map[string]string{"symbol": symbol})
}

// OpenInterestHist fetches GET /futures/data/openInterestHist for symbol.
func (c *Client) OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]map[string]interface{}, error) {
	if err := c.waitWeight(ctx, weightOpenInterestHist); err != nil {
		return nil, err
	}
	var result []map[string]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"period": period,
			"limit":  strconv.Itoa(limit),
		}).
		SetResult(&result).
		Get("/futures/data/openInterestHist")
	if err != nil {
		return nil, fmt.Errorf("open interest hist %s: %w", symbol, err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open interest hist %s: status %d: %s", symbol, resp.StatusCode(), resp.String())
	}
	return result, nil
}

// PremiumIndex fetches GET /fapi/v1/premiumIndex for symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (map[string]interface{}, error) {
	return c.getJSONMap(ctx, "/fapi/v1/premiumIndex", weightPremiumIndex, map[string]string{"symbol": symbol})
}

// ServerTime fetches GET /fapi/v1/time, used to measure clock skew.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	if err := c.waitWeight(ctx, weightServerTime); err != nil {
		return time.Time{}, err
	}
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/time")
	if err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	if err := c.check(resp); err != nil {
		return time.Time{}, err
	}
	if resp.StatusCode() != http.StatusOK {
		return time.Time{}, fmt.Errorf("server time: status %d: %s", resp.StatusCode(), resp.String())
	}
	return time.UnixMilli(result.ServerTime), nil
}

func (c *Client) getJSONMap(ctx context.Context, path string, cost int, query map[string]string) (map[string]interface{}, error) {
	if err := c.waitWeight(ctx, cost); err != nil {
		return nil, err
	}
	var result map[string]interface{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.check(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}
	return result, nil
}
