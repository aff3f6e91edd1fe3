package ranking

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/pool"
	"binance-drop-ranking/internal/symbols"
)

const (
	futuresBatchSize  = 30
	futuresBatchDelay = 300 * time.Millisecond
	benchmarkRetries  = 3
)

// LeaderboardBuilder turns the instant's volume windows into ranked rows and
// fetches the benchmark and futures reference prices around them.
type LeaderboardBuilder struct {
	feed   binance.MarketDataClient
	logger zerolog.Logger
}

// NewLeaderboardBuilder creates a builder.
func NewLeaderboardBuilder(feed binance.MarketDataClient, logger zerolog.Logger) *LeaderboardBuilder {
	return &LeaderboardBuilder{
		feed:   feed,
		logger: logger.With().Str("component", "leaderboard").Logger(),
	}
}

// Build ranks the eligible windows ascending by 24h price change, so the
// biggest drop is rank 1. Eligibility needs a full 24-candle window and at
// least minVolume of 24h quote volume. Market share is computed against the
// whole eligible set before truncating to limit.
func (b *LeaderboardBuilder) Build(windows map[string]*VolumeWindow, limit int, minVolume float64) ([]LeaderboardItem, MarketStats) {
	eligible := make([]LeaderboardItem, 0, len(windows))
	var eligibleQuoteVolume float64

	for _, w := range windows {
		if len(w.Data) < 24 || w.QuoteVolume24h < minVolume {
			continue
		}
		eligible = append(eligible, itemFromWindow(w))
		eligibleQuoteVolume += w.QuoteVolume24h
	}

	if eligibleQuoteVolume > 0 {
		for i := range eligible {
			eligible[i].MarketShare = eligible[i].QuoteVolume24h / eligibleQuoteVolume * 100
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].PriceChange24h < eligible[j].PriceChange24h
	})

	var concentration float64
	if eligibleQuoteVolume > 0 {
		topVolumes := make([]float64, 0, len(eligible))
		for _, it := range eligible {
			topVolumes = append(topVolumes, it.QuoteVolume24h)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(topVolumes)))
		var top10 float64
		for i := 0; i < len(topVolumes) && i < 10; i++ {
			top10 += topVolumes[i]
		}
		concentration = top10 / eligibleQuoteVolume * 100
	}

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}

	var stats MarketStats
	stats.Concentration = concentration
	for i := range eligible {
		eligible[i].Rank = i + 1
		stats.TotalVolume += eligible[i].Volume24h
		stats.TotalQuoteVolume += eligible[i].QuoteVolume24h
	}

	return eligible, stats
}

// itemFromWindow computes one row's metrics from its 24h window.
func itemFromWindow(w *VolumeWindow) LeaderboardItem {
	base, quote, _ := symbols.SplitPair(w.Symbol)
	item := LeaderboardItem{
		Symbol:         w.Symbol,
		BaseAsset:      base,
		QuoteAsset:     quote,
		Volume24h:      w.Volume24h,
		QuoteVolume24h: w.QuoteVolume24h,
	}

	// Both reference prices come from candle opens: the window covers
	// [t-24h, t), so the last candle's open is the price at t-1h and the
	// change measures open-to-open drift.
	first := w.Data[0]
	last := w.Data[len(w.Data)-1]
	item.Price24hAgo = first.Open
	item.PriceAtTime = last.Open
	if item.Price24hAgo > 0 {
		item.PriceChange24h = (item.PriceAtTime - item.Price24hAgo) / item.Price24hAgo * 100
	}

	item.High24h = first.High
	item.Low24h = first.Low
	for _, k := range w.Data {
		item.High24h = math.Max(item.High24h, k.High)
		item.Low24h = math.Min(item.Low24h, k.Low)
	}
	if item.Low24h > 0 {
		item.Volatility24h = (item.High24h - item.Low24h) / item.Low24h * 100
	}
	return item
}

// FetchBenchmarks reads the BTCUSDT spot and BTCDOMUSDT perpetual reference
// prices around t. Each fetch retries up to three times with 1s/2s/3s
// delays; a benchmark that still fails, or has too few candles to bracket
// 24h, comes back with Found unset and the snapshot records zeros for it.
func (b *LeaderboardBuilder) FetchBenchmarks(ctx context.Context, t time.Time) (btc, btcdom BenchmarkPrice) {
	btc = b.fetchBenchmark(ctx, t, "BTCUSDT", b.feed.GetKlines)
	btcdom = b.fetchBenchmark(ctx, t, "BTCDOMUSDT", b.feed.GetFuturesKlines)
	return btc, btcdom
}

type klineFetch func(symbol, interval string, start, end time.Time, limit int) ([]binance.Kline, error)

func (b *LeaderboardBuilder) fetchBenchmark(ctx context.Context, t time.Time, symbol string, fetch klineFetch) BenchmarkPrice {
	start := t.Add(-25 * time.Hour)
	end := t.Add(time.Hour)

	var klines []binance.Kline
	var err error
	for attempt := 0; attempt < benchmarkRetries; attempt++ {
		klines, err = fetch(symbol, "1h", start, end, 26)
		if err == nil {
			break
		}
		if attempt < benchmarkRetries-1 {
			select {
			case <-ctx.Done():
				return BenchmarkPrice{}
			case <-time.After(time.Duration(attempt+1) * time.Second):
			}
		}
	}
	if err != nil {
		b.logger.Warn().Str("symbol", symbol).Time("at", t).Err(err).Msg("benchmark fetch failed")
		return BenchmarkPrice{}
	}
	if len(klines) < 2 {
		b.logger.Warn().Str("symbol", symbol).Time("at", t).Int("candles", len(klines)).
			Msg("benchmark window too sparse")
		return BenchmarkPrice{}
	}

	last := klines[len(klines)-1]
	dayAgo := closestOpen(klines, t.Add(-24*time.Hour))

	bp := BenchmarkPrice{Price: last.Open, Price24hAgo: dayAgo.Open, Found: true}
	if bp.Price24hAgo > 0 {
		bp.Change24h = (bp.Price - bp.Price24hAgo) / bp.Price24hAgo * 100
	}
	return bp
}

// closestOpen picks the candle whose openTime is nearest to t.
func closestOpen(klines []binance.Kline, t time.Time) binance.Kline {
	target := t.UnixMilli()
	best := klines[0]
	bestDist := absInt64(best.OpenTime - target)
	for _, k := range klines[1:] {
		if d := absInt64(k.OpenTime - target); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// AttachFuturesPrices resolves each row's perpetual contract and attaches
// the futures price nearest to t, fetched in rate-limited batches. It
// returns the symbol-to-contract resolution map for the funding enrichment
// step. Rows without a resolvable contract are left untouched.
func (b *LeaderboardBuilder) AttachFuturesPrices(ctx context.Context, items []LeaderboardItem, perpetuals map[string]bool, t time.Time) map[string]string {
	futures := make(map[string]string, len(items))
	unique := make([]string, 0, len(items))
	seen := make(map[string]bool)

	for i := range items {
		fs := symbols.ResolveFutures(items[i].Symbol, perpetuals)
		if fs == "" {
			continue
		}
		futures[items[i].Symbol] = fs
		if fs != items[i].Symbol {
			items[i].FutureSymbol = fs
		}
		if !seen[fs] {
			seen[fs] = true
			unique = append(unique, fs)
		}
	}

	prices := make(map[string]float64, len(unique))
	start := t.Add(-30 * time.Minute)
	end := t.Add(90 * time.Minute)

	for batchStart := 0; batchStart < len(unique); batchStart += futuresBatchSize {
		batchEnd := batchStart + futuresBatchSize
		if batchEnd > len(unique) {
			batchEnd = len(unique)
		}

		results, _ := pool.Run(ctx, unique[batchStart:batchEnd], func(_ context.Context, fs string) (float64, error) {
			klines, err := b.feed.GetFuturesKlines(fs, "1h", start, end, 3)
			if err != nil {
				return 0, err
			}
			if len(klines) == 0 {
				return 0, nil
			}
			return closestOpen(klines, t).Open, nil
		}, pool.Options{
			InitialConcurrency: 10,
			MaxConcurrency:     10,
			MinConcurrency:     1,
			Retry:              true,
			MaxRetries:         2,
		})

		for _, r := range results {
			if r.Err != nil {
				b.logger.Warn().Str("symbol", r.Item).Time("at", t).Err(r.Err).
					Msg("futures price fetch failed")
				continue
			}
			if r.Value > 0 {
				prices[r.Item] = r.Value
			}
		}

		if batchEnd < len(unique) {
			select {
			case <-ctx.Done():
				return futures
			case <-time.After(futuresBatchDelay):
			}
		}
	}

	for i := range items {
		fs, ok := futures[items[i].Symbol]
		if !ok {
			continue
		}
		if p, ok := prices[fs]; ok {
			price := p
			items[i].FuturePriceAtTime = &price
		}
	}
	return futures
}
