package ranking

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/pool"
)

const (
	fundingBatchSize   = 20
	fundingConcurrency = 5
	fundingBatchDelay  = 2 * time.Second
	fundingRetries     = 2

	// fundingGrace extends the query window past the period so a settlement
	// stamped slightly late is still captured.
	fundingGrace = 10 * time.Minute
)

// FundingEnricher attaches funding-rate observations to ranked rows.
// Enrichment never fails a snapshot: symbols whose fetch fails after retries
// are simply left without funding fields.
type FundingEnricher struct {
	feed   binance.MarketDataClient
	logger zerolog.Logger
}

// NewFundingEnricher creates a funding enricher.
func NewFundingEnricher(feed binance.MarketDataClient, logger zerolog.Logger) *FundingEnricher {
	return &FundingEnricher{
		feed:   feed,
		logger: logger.With().Str("component", "funding").Logger(),
	}
}

// Enrich fetches funding observations for every contract behind items and
// splits them into the current rate and the period's settlement history.
// futures maps row symbol to its perpetual contract, as returned by
// AttachFuturesPrices.
func (e *FundingEnricher) Enrich(ctx context.Context, items []LeaderboardItem, futures map[string]string, t time.Time, granularity time.Duration) {
	contracts := make([]string, 0, len(futures))
	seen := make(map[string]bool)
	for i := range items {
		fs, ok := futures[items[i].Symbol]
		if !ok || seen[fs] {
			continue
		}
		seen[fs] = true
		contracts = append(contracts, fs)
	}

	series := e.FetchWindow(ctx, contracts, t, granularity)
	e.Apply(items, futures, series, t)
}

// FetchWindow queries funding history for each contract over
// [t, t+granularity+grace], in rate-limited batches. Contracts whose fetch
// fails after retries are absent from the result.
func (e *FundingEnricher) FetchWindow(ctx context.Context, contracts []string, t time.Time, granularity time.Duration) map[string][]binance.FundingRate {
	series := make(map[string][]binance.FundingRate, len(contracts))
	windowEnd := t.Add(granularity).Add(fundingGrace)

	for batchStart := 0; batchStart < len(contracts); batchStart += fundingBatchSize {
		batchEnd := batchStart + fundingBatchSize
		if batchEnd > len(contracts) {
			batchEnd = len(contracts)
		}

		results, _ := pool.Run(ctx, contracts[batchStart:batchEnd], func(_ context.Context, fs string) ([]binance.FundingRate, error) {
			return e.feed.GetFundingRateHistory(fs, t, windowEnd, 100)
		}, pool.Options{
			InitialConcurrency: fundingConcurrency,
			MaxConcurrency:     fundingConcurrency,
			MinConcurrency:     1,
			Retry:              true,
			MaxRetries:         fundingRetries,
		})

		for _, r := range results {
			if r.Err != nil {
				e.logger.Warn().Str("contract", r.Item).Time("at", t).Err(r.Err).
					Msg("funding fetch failed, leaving rows unenriched")
				continue
			}
			series[r.Item] = r.Value
		}

		if batchEnd < len(contracts) {
			select {
			case <-ctx.Done():
				return series
			case <-time.After(fundingBatchDelay):
			}
		}
	}
	return series
}

// Apply splits each contract's observations at t+grace: the latest
// observation at or before the threshold is the rate in force when the
// period opened, everything strictly after it is the period's settlement
// history.
func (e *FundingEnricher) Apply(items []LeaderboardItem, futures map[string]string, series map[string][]binance.FundingRate, t time.Time) {
	threshold := t.Add(fundingGrace).UnixMilli()

	for i := range items {
		fs, ok := futures[items[i].Symbol]
		if !ok {
			continue
		}
		obs, ok := series[fs]
		if !ok {
			continue
		}

		sorted := make([]binance.FundingRate, len(obs))
		copy(sorted, obs)
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].FundingTime < sorted[b].FundingTime })

		var current *binance.FundingRate
		history := make([]binance.FundingRate, 0, len(sorted))
		for j := range sorted {
			if sorted[j].FundingTime <= threshold {
				current = &sorted[j]
			} else {
				history = append(history, sorted[j])
			}
		}

		items[i].FundingRateHistory = history
		if current != nil {
			rate := current.FundingRate
			items[i].CurrentFundingRate = &rate
		}
	}
}
