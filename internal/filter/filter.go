// Package filter implements the weekly eligibility filter deciding which
// pairs are admitted to a week's leaderboard, plus the content-addressed
// cache of its results.
package filter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/pool"
	"binance-drop-ranking/internal/symbols"
)

// Criteria identifies one filter invocation. Only the date portion of
// ReferenceTime participates in the cache key.
type Criteria struct {
	ReferenceTime      time.Time `json:"referenceTime"`
	QuoteAsset         string    `json:"quoteAsset"`
	MinVolumeThreshold float64   `json:"minVolumeThreshold"`
	MinHistoryDays     int       `json:"minHistoryDays"`
	RequireFutures     bool      `json:"requireFutures"`
	ExcludeStablecoins bool      `json:"excludeStablecoins"`
	IncludeInactive    bool      `json:"includeInactive"`
}

// Result partitions a candidate universe into valid and invalid symbols
// with per-symbol reasons.
type Result struct {
	ValidSymbols   []string            `json:"validSymbols"`
	InvalidSymbols []string            `json:"invalidSymbols"`
	InvalidReasons map[string][]string `json:"invalidReasons"`
}

// Statistics summarizes a filter run for the cache entry.
type Statistics struct {
	TotalChecked int            `json:"totalChecked"`
	ValidCount   int            `json:"validCount"`
	InvalidCount int            `json:"invalidCount"`
	ReasonCounts map[string]int `json:"reasonCounts"`
}

// Config tunes the filter's feed access.
type Config struct {
	Concurrency  int           // symbol probes in flight, typical 5-12
	RequestDelay time.Duration // fixed delay before each history probe
}

// Filter evaluates eligibility against the market feed.
type Filter struct {
	feed   binance.MarketDataClient
	cfg    Config
	logger zerolog.Logger
}

// New creates an eligibility filter.
func New(feed binance.MarketDataClient, cfg Config, logger zerolog.Logger) *Filter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Filter{
		feed:   feed,
		cfg:    cfg,
		logger: logger.With().Str("component", "filter").Logger(),
	}
}

type verdict struct {
	symbol  string
	reasons []string
}

// Run partitions candidates at the criteria's reference instant. Cheap
// rules (stablecoin, BTC, futures availability) are evaluated locally; the
// history probe runs only for symbols that pass them, through the worker
// pool with a fixed per-request delay to stay under feed rate limits.
func (f *Filter) Run(ctx context.Context, candidates []string, c Criteria) (*Result, error) {
	started := time.Now()

	var perpetuals map[string]bool
	if c.RequireFutures {
		info, err := f.feed.GetFuturesExchangeInfo()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve futures availability: %w", err)
		}
		perpetuals = make(map[string]bool, len(info.Symbols))
		for _, s := range info.Symbols {
			if s.ContractType == "PERPETUAL" && s.Status == "TRADING" {
				perpetuals[s.Symbol] = true
			}
		}
	}

	result := &Result{InvalidReasons: make(map[string][]string)}
	var probeQueue []string

	for _, symbol := range candidates {
		var reasons []string
		base := symbols.BaseAsset(symbol)

		if c.ExcludeStablecoins && symbols.Stablecoins[base] {
			reasons = append(reasons, "稳定币")
		}
		if base == "BTC" {
			reasons = append(reasons, "BTC基准资产不参与排名")
		}
		if c.RequireFutures && symbols.ResolveFutures(symbol, perpetuals) == "" {
			reasons = append(reasons, "无对应永续合约")
		}

		if len(reasons) > 0 {
			result.InvalidSymbols = append(result.InvalidSymbols, symbol)
			result.InvalidReasons[symbol] = reasons
			continue
		}
		probeQueue = append(probeQueue, symbol)
	}

	verdicts, metrics := pool.Run(ctx, probeQueue, func(ctx context.Context, symbol string) (verdict, error) {
		if f.cfg.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return verdict{}, ctx.Err()
			case <-time.After(f.cfg.RequestDelay):
			}
		}
		return f.probeHistory(symbol, c)
	}, pool.Options{
		InitialConcurrency: f.cfg.Concurrency,
		MaxConcurrency:     f.cfg.Concurrency,
		MinConcurrency:     1,
		Retry:              true,
		MaxRetries:         2,
	})

	for _, v := range verdicts {
		if v.Err != nil {
			// Probe exhausted retries: treat as invalid rather than failing
			// the whole run.
			f.logger.Warn().Str("symbol", v.Item).Err(v.Err).Msg("history probe failed, marking invalid")
			result.InvalidSymbols = append(result.InvalidSymbols, v.Item)
			result.InvalidReasons[v.Item] = []string{"历史数据查询失败"}
			continue
		}
		if len(v.Value.reasons) > 0 {
			result.InvalidSymbols = append(result.InvalidSymbols, v.Value.symbol)
			result.InvalidReasons[v.Value.symbol] = v.Value.reasons
			continue
		}
		result.ValidSymbols = append(result.ValidSymbols, v.Value.symbol)
	}

	f.logger.Info().
		Int("candidates", len(candidates)).
		Int("valid", len(result.ValidSymbols)).
		Int("invalid", len(result.InvalidSymbols)).
		Int("probe_retries", metrics.Retried).
		Dur("elapsed", time.Since(started)).
		Time("reference", c.ReferenceTime).
		Msg("eligibility filter completed")

	return result, nil
}

// probeHistory checks that a symbol has deep enough daily history: up to 10
// daily candles in [ref-minHistoryDays, ref-7d] whose earliest openTime is
// within 30 days of ref-minHistoryDays. A 400/-1121 response means "no
// data, invalid"; other errors bubble up for retry.
func (f *Filter) probeHistory(symbol string, c Criteria) (verdict, error) {
	insufficient := fmt.Sprintf("历史数据不足%d天", c.MinHistoryDays)

	probeStart := c.ReferenceTime.AddDate(0, 0, -c.MinHistoryDays)
	probeEnd := c.ReferenceTime.AddDate(0, 0, -7)
	if probeEnd.Before(probeStart) {
		probeEnd = probeStart
	}

	klines, err := f.feed.GetKlines(symbol, "1d", probeStart, probeEnd, 10)
	if err != nil {
		if errors.Is(err, binance.ErrInvalidSymbol) {
			return verdict{symbol: symbol, reasons: []string{insufficient}}, nil
		}
		return verdict{}, err
	}

	if len(klines) == 0 {
		return verdict{symbol: symbol, reasons: []string{insufficient}}, nil
	}

	earliest := time.UnixMilli(klines[0].OpenTime)
	if earliest.After(probeStart.AddDate(0, 0, 30)) {
		return verdict{symbol: symbol, reasons: []string{insufficient}}, nil
	}
	return verdict{symbol: symbol}, nil
}
