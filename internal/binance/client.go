// Package binance implements the market-data feed: spot and perpetual
// klines, exchange information and funding-rate history, with retry and
// rate-limit handling on every call.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Retry configuration for API calls.
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// ErrInvalidSymbol marks a permanent feed rejection (HTTP 400 / code
// -1121). Callers treat it as "no data", never as a transient failure.
var ErrInvalidSymbol = errors.New("binance: invalid symbol")

// Client talks to the Binance spot and futures REST APIs.
type Client struct {
	spotBaseURL    string
	futuresBaseURL string
	httpClient     *http.Client
	limiter        *rate.Limiter
	klineCache     *lru.Cache
	logger         zerolog.Logger
}

// Config holds feed client configuration.
type Config struct {
	SpotBaseURL    string
	FuturesBaseURL string
	RequestDelay   time.Duration // minimum spacing between requests
	CacheSize      int           // kline response cache entries
	Timeout        time.Duration
}

// DefaultConfig returns production endpoints with a 10s call timeout.
func DefaultConfig() Config {
	return Config{
		SpotBaseURL:    "https://api.binance.com",
		FuturesBaseURL: "https://fapi.binance.com",
		RequestDelay:   100 * time.Millisecond,
		CacheSize:      2048,
		Timeout:        10 * time.Second,
	}
}

// NewClient creates a new feed client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 2048
	}
	if cfg.RequestDelay <= 0 {
		cfg.RequestDelay = 100 * time.Millisecond
	}
	cache, _ := lru.New(cfg.CacheSize)
	return &Client{
		spotBaseURL:    cfg.SpotBaseURL,
		futuresBaseURL: cfg.FuturesBaseURL,
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(rate.Every(cfg.RequestDelay), 1),
		klineCache:     cache,
		logger:         logger.With().Str("component", "binance").Logger(),
	}
}

// GetExchangeInfo fetches spot exchange information.
func (c *Client) GetExchangeInfo() (*ExchangeInfo, error) {
	body, err := c.get(c.spotBaseURL, "/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	return &info, nil
}

// GetFuturesExchangeInfo fetches futures exchange information. PERPETUAL
// contracts are filtered by the caller.
func (c *Client) GetFuturesExchangeInfo() (*FuturesExchangeInfo, error) {
	body, err := c.get(c.futuresBaseURL, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info FuturesExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("error parsing futures exchange info: %w", err)
	}
	return &info, nil
}

// GetKlines fetches spot candlesticks for [startTime, endTime].
func (c *Client) GetKlines(symbol, interval string, startTime, endTime time.Time, limit int) ([]Kline, error) {
	return c.klines(c.spotBaseURL, "/api/v3/klines", symbol, interval, startTime, endTime, limit)
}

// GetFuturesKlines fetches perpetual candlesticks for [startTime, endTime].
func (c *Client) GetFuturesKlines(symbol, interval string, startTime, endTime time.Time, limit int) ([]Kline, error) {
	return c.klines(c.futuresBaseURL, "/fapi/v1/klines", symbol, interval, startTime, endTime, limit)
}

// GetFundingRateHistory fetches funding-rate observations for
// [startTime, endTime].
func (c *Client) GetFundingRateHistory(symbol string, startTime, endTime time.Time, limit int) ([]FundingRate, error) {
	params := map[string]string{
		"symbol":    symbol,
		"startTime": strconv.FormatInt(startTime.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(endTime.UnixMilli(), 10),
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}
	body, err := c.get(c.futuresBaseURL, "/fapi/v1/fundingRate", params)
	if err != nil {
		return nil, err
	}
	var rates []FundingRate
	if err := json.Unmarshal(body, &rates); err != nil {
		return nil, fmt.Errorf("error parsing funding rates: %w", err)
	}
	return rates, nil
}

func (c *Client) klines(baseURL, endpoint, symbol, interval string, startTime, endTime time.Time, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":    symbol,
		"interval":  interval,
		"startTime": strconv.FormatInt(startTime.UnixMilli(), 10),
		"endTime":   strconv.FormatInt(endTime.UnixMilli(), 10),
	}
	if limit > 0 {
		params["limit"] = strconv.Itoa(limit)
	}

	cacheKey := endpoint + "|" + symbol + "|" + interval + "|" + params["startTime"] + "|" + params["endTime"] + "|" + params["limit"]
	if cached, ok := c.klineCache.Get(cacheKey); ok {
		return cached.([]Kline), nil
	}

	body, err := c.get(baseURL, endpoint, params)
	if err != nil {
		return nil, err
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(body, &rawKlines); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	klines := make([]Kline, len(rawKlines))
	for i, raw := range rawKlines {
		if len(raw) < 11 {
			return nil, fmt.Errorf("malformed kline row for %s", symbol)
		}
		klines[i] = Kline{
			OpenTime:                 int64(parseFloat(raw[0])),
			Open:                     parseFloat(raw[1]),
			High:                     parseFloat(raw[2]),
			Low:                      parseFloat(raw[3]),
			Close:                    parseFloat(raw[4]),
			Volume:                   parseFloat(raw[5]),
			CloseTime:                int64(parseFloat(raw[6])),
			QuoteAssetVolume:         parseFloat(raw[7]),
			NumberOfTrades:           int(parseFloat(raw[8])),
			TakerBuyBaseAssetVolume:  parseFloat(raw[9]),
			TakerBuyQuoteAssetVolume: parseFloat(raw[10]),
		}
	}

	c.klineCache.Add(cacheKey, klines)
	return klines, nil
}

// get performs a GET request with pacing and retry. Rate-limit responses
// wait 5s * attempt before the next try; 400/-1121 returns ErrInvalidSymbol
// immediately.
func (c *Client) get(baseURL, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return nil, err
		}

		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		reqURL := baseURL + endpoint
		if len(values) > 0 {
			reqURL += "?" + values.Encode()
		}

		resp, err := c.httpClient.Get(reqURL)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				c.logger.Warn().Str("endpoint", endpoint).Int("attempt", attempt+1).
					Err(err).Dur("retry_in", delay).Msg("request failed, retrying")
				time.Sleep(delay)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))

		if resp.StatusCode == http.StatusBadRequest || strings.Contains(string(body), "-1121") {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, string(body))
		}

		if isRateLimitError(resp.StatusCode, string(body)) && attempt < maxRetries {
			delay := time.Duration(attempt+1) * 5 * time.Second
			c.logger.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
				Dur("retry_in", delay).Msg("rate limited, backing off")
			time.Sleep(delay)
			continue
		}

		if isRetryableError(resp.StatusCode, string(body)) && attempt < maxRetries {
			delay := calculateRetryDelay(attempt)
			c.logger.Warn().Str("endpoint", endpoint).Int("status", resp.StatusCode).
				Int("attempt", attempt+1).Dur("retry_in", delay).Msg("retryable API error")
			time.Sleep(delay)
			continue
		}
		return nil, lastErr
	}

	return nil, lastErr
}

// isRateLimitError matches 429/418 and the TOO_MANY_REQUESTS error code.
func isRateLimitError(statusCode int, body string) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == 418 ||
		strings.Contains(body, "-1003")
}

// isRetryableError checks if an error is transient and should be retried.
func isRetryableError(statusCode int, body string) bool {
	if statusCode >= 500 {
		return true
	}
	if strings.Contains(body, "-1001") || // DISCONNECTED
		strings.Contains(body, "-1016") { // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// calculateRetryDelay returns delay with exponential backoff and jitter.
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}
