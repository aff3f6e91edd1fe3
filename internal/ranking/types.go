// Package ranking implements the leaderboard computation core: sliding 24h
// volume windows, periodic leaderboard building, removed-cohort derivation,
// funding-rate enrichment and the backtest driver.
package ranking

import (
	"fmt"
	"time"

	"binance-drop-ranking/internal/binance"
)

// LeaderboardItem is one ranked row at one period instant.
type LeaderboardItem struct {
	Rank               int                   `json:"rank"`
	Symbol             string                `json:"symbol"`
	BaseAsset          string                `json:"baseAsset"`
	QuoteAsset         string                `json:"quoteAsset"`
	PriceChange24h     float64               `json:"priceChange24h"`
	PriceAtTime        float64               `json:"priceAtTime"`
	Price24hAgo        float64               `json:"price24hAgo"`
	Volume24h          float64               `json:"volume24h"`
	QuoteVolume24h     float64               `json:"quoteVolume24h"`
	MarketShare        float64               `json:"marketShare"`
	Volatility24h      float64               `json:"volatility24h"`
	High24h            float64               `json:"high24h"`
	Low24h             float64               `json:"low24h"`
	FutureSymbol       string                `json:"futureSymbol,omitempty"`
	FuturePriceAtTime  *float64              `json:"futurePriceAtTime,omitempty"`
	FundingRateHistory []binance.FundingRate `json:"fundingRateHistory,omitempty"`
	CurrentFundingRate *float64              `json:"currentFundingRate,omitempty"`
}

// Snapshot is the persisted record for one period instant. Timestamp is the
// primary key; re-computation replaces the whole row.
type Snapshot struct {
	Timestamp              time.Time         `json:"timestamp"`
	Hour                   int               `json:"hour"`
	Rankings               []LeaderboardItem `json:"rankings"`
	RemovedSymbols         []LeaderboardItem `json:"removedSymbols"`
	TotalMarketVolume      float64           `json:"totalMarketVolume"`
	TotalMarketQuoteVolume float64           `json:"totalMarketQuoteVolume"`
	TopMarketConcentration float64           `json:"topMarketConcentration"`
	BTCPrice               float64           `json:"btcPrice"`
	BTCPriceChange24h      float64           `json:"btcPriceChange24h"`
	BTCDOMPrice            *float64          `json:"btcdomPrice,omitempty"`
	BTCDOMPriceChange24h   *float64          `json:"btcdomPriceChange24h,omitempty"`
	CalculationDurationMs  int64             `json:"calculationDuration"`
	CreatedAt              time.Time         `json:"createdAt"`
}

// Params configures a backtest invocation.
type Params struct {
	StartTime          time.Time `json:"startTime"`
	EndTime            time.Time `json:"endTime"`
	Symbols            []string  `json:"symbols,omitempty"`
	Limit              int       `json:"limit"`
	MinVolumeThreshold float64   `json:"minVolumeThreshold"`
	QuoteAsset         string    `json:"quoteAsset"`
	MinHistoryDays     int       `json:"minHistoryDays"`
	GranularityHours   int       `json:"granularityHours"`
}

// ApplyDefaults fills the documented defaults for unset options.
func (p *Params) ApplyDefaults() {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.MinVolumeThreshold <= 0 {
		p.MinVolumeThreshold = 10000
	}
	if p.QuoteAsset == "" {
		p.QuoteAsset = "USDT"
	}
	if p.MinHistoryDays <= 0 {
		p.MinHistoryDays = 365
	}
	if p.GranularityHours <= 0 {
		p.GranularityHours = 8
	}
}

// Validate rejects malformed spans. Long ranges are permitted; the engine
// only warns about them.
func (p *Params) Validate() error {
	if p.StartTime.IsZero() || p.EndTime.IsZero() {
		return fmt.Errorf("startTime and endTime are required")
	}
	if p.EndTime.Before(p.StartTime) {
		return fmt.Errorf("endTime %s must not precede startTime %s",
			p.EndTime.Format(time.RFC3339), p.StartTime.Format(time.RFC3339))
	}
	return nil
}

// Granularity returns the period step as a duration.
func (p *Params) Granularity() time.Duration {
	return time.Duration(p.GranularityHours) * time.Hour
}

// VolumeWindow holds one symbol's trailing 24h of 1h candles at an instant,
// with cached volume aggregates.
type VolumeWindow struct {
	Symbol         string
	Data           []binance.Kline
	Volume24h      float64
	QuoteVolume24h float64
}

// MarketStats aggregates the truncated leaderboard.
type MarketStats struct {
	TotalVolume      float64
	TotalQuoteVolume float64
	Concentration    float64 // top-10 share of the eligible set's quote volume
}

// BenchmarkPrice is one benchmark observation (BTC spot or BTCDOM perp).
type BenchmarkPrice struct {
	Price       float64
	Price24hAgo float64
	Change24h   float64
	Found       bool
}
