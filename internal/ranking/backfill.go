package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/symbols"
)

// FundingBackfill fills funding fields on recent snapshots that were
// computed before their funding window had fully settled. The scheduler
// runs it before dispatching a new catch-up span.
type FundingBackfill struct {
	feed     binance.MarketDataClient
	store    SnapshotStore
	enricher *FundingEnricher
	logger   zerolog.Logger
}

// NewFundingBackfill creates a backfill pass.
func NewFundingBackfill(feed binance.MarketDataClient, store SnapshotStore, enricher *FundingEnricher, logger zerolog.Logger) *FundingBackfill {
	return &FundingBackfill{
		feed:     feed,
		store:    store,
		enricher: enricher,
		logger:   logger.With().Str("component", "funding-backfill").Logger(),
	}
}

// fundingRateCache shares funding series between snapshots that land in the
// same settlement window, so adjacent rows don't refetch the same history.
type fundingRateCache struct {
	granularity time.Duration
	byWindow    map[int64]map[string][]binance.FundingRate
}

func newFundingRateCache(granularity time.Duration) *fundingRateCache {
	return &fundingRateCache{
		granularity: granularity,
		byWindow:    make(map[int64]map[string][]binance.FundingRate),
	}
}

func (c *fundingRateCache) windowIndex(t time.Time) int64 {
	return t.UnixMilli() / c.granularity.Milliseconds()
}

// get returns cached series for the window containing t, plus the contracts
// still missing from it.
func (c *fundingRateCache) get(t time.Time, contracts []string) (map[string][]binance.FundingRate, []string) {
	cached, ok := c.byWindow[c.windowIndex(t)]
	if !ok {
		return nil, contracts
	}
	var missing []string
	for _, fs := range contracts {
		if _, ok := cached[fs]; !ok {
			missing = append(missing, fs)
		}
	}
	return cached, missing
}

func (c *fundingRateCache) put(t time.Time, series map[string][]binance.FundingRate) {
	idx := c.windowIndex(t)
	cached, ok := c.byWindow[idx]
	if !ok {
		cached = make(map[string][]binance.FundingRate, len(series))
		c.byWindow[idx] = cached
	}
	for fs, obs := range series {
		cached[fs] = obs
	}
}

// Run re-enriches snapshots in [now-lookback, now) whose rankings still
// lack funding fields and whose funding window has closed. Returns the
// number of snapshots updated.
func (b *FundingBackfill) Run(ctx context.Context, lookback time.Duration) (int, error) {
	now := time.Now().UTC()
	snaps, err := b.store.SnapshotsInRange(ctx, now.Add(-lookback), now)
	if err != nil {
		return 0, fmt.Errorf("failed to scan snapshots for backfill: %w", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	perpetuals, err := b.discoverPerpetuals()
	if err != nil {
		return 0, fmt.Errorf("perpetual discovery failed: %w", err)
	}

	// Stored snapshots are on the standard 8h grid.
	granularity := 8 * time.Hour
	cache := newFundingRateCache(granularity)
	updated := 0
	for _, snap := range snaps {

		// The window must have fully settled before it is worth refetching.
		if now.Before(snap.Timestamp.Add(granularity).Add(fundingGrace)) {
			continue
		}

		futures := pendingContracts(snap, perpetuals)
		if len(futures) == 0 {
			continue
		}

		contracts := make([]string, 0, len(futures))
		seen := make(map[string]bool)
		for _, fs := range futures {
			if !seen[fs] {
				seen[fs] = true
				contracts = append(contracts, fs)
			}
		}

		cached, missing := cache.get(snap.Timestamp, contracts)
		if len(missing) > 0 {
			fetched := b.enricher.FetchWindow(ctx, missing, snap.Timestamp, granularity)
			cache.put(snap.Timestamp, fetched)
			cached, _ = cache.get(snap.Timestamp, contracts)
		}

		b.enricher.Apply(snap.Rankings, futures, cached, snap.Timestamp)

		if err := b.store.UpsertSnapshot(ctx, snap); err != nil {
			b.logger.Warn().Time("at", snap.Timestamp).Err(err).Msg("backfill upsert failed")
			continue
		}
		updated++
	}

	if updated > 0 {
		b.logger.Info().Int("updated", updated).Dur("lookback", lookback).Msg("funding backfill completed")
	}
	return updated, nil
}

// pendingContracts maps each ranking row that still lacks funding fields to
// its perpetual contract. A row is pending when neither the current rate
// nor any settlement history was recorded.
func pendingContracts(snap *Snapshot, perpetuals map[string]bool) map[string]string {
	futures := make(map[string]string)
	for _, it := range snap.Rankings {
		if it.CurrentFundingRate != nil || len(it.FundingRateHistory) > 0 {
			continue
		}
		fs := it.FutureSymbol
		if fs == "" {
			fs = symbols.ResolveFutures(it.Symbol, perpetuals)
		}
		if fs == "" {
			continue
		}
		futures[it.Symbol] = fs
	}
	return futures
}

func (b *FundingBackfill) discoverPerpetuals() (map[string]bool, error) {
	info, err := b.feed.GetFuturesExchangeInfo()
	if err != nil {
		return nil, err
	}
	perpetuals := make(map[string]bool, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType == "PERPETUAL" && s.Status == "TRADING" {
			perpetuals[s.Symbol] = true
		}
	}
	return perpetuals, nil
}
