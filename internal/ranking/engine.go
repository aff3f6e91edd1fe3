package ranking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/filter"
	"binance-drop-ranking/internal/symbols"
)

// longRangeWarning is the span beyond which a run is logged as unusually
// long. Long runs are allowed, they just take hours of feed time.
const longRangeWarning = 90 * 24 * time.Hour

// Engine drives a backtest: it walks the period instants of a span and
// computes one leaderboard snapshot per instant.
type Engine struct {
	feed     binance.MarketDataClient
	store    SnapshotStore
	cache    *filter.Cache
	filter   *filter.Filter
	windows  *WindowEngine
	builder  *LeaderboardBuilder
	enricher *FundingEnricher
	logger   zerolog.Logger
}

// NewEngine wires the computation pipeline over a market feed, a snapshot
// store and the cached eligibility filter.
func NewEngine(feed binance.MarketDataClient, store SnapshotStore, cache *filter.Cache, f *filter.Filter, logger zerolog.Logger) *Engine {
	return &Engine{
		feed:     feed,
		store:    store,
		cache:    cache,
		filter:   f,
		windows:  NewWindowEngine(feed, DefaultWindowConfig(), logger),
		builder:  NewLeaderboardBuilder(feed, logger),
		enricher: NewFundingEnricher(feed, logger),
		logger:   logger.With().Str("component", "ranking-engine").Logger(),
	}
}

// run carries the per-invocation state shared across periods.
type run struct {
	params     Params
	universe   []string
	perpetuals map[string]bool
	pools      map[time.Time][]string // weekly pool, keyed by Monday 00:00 UTC
}

// Run walks [startTime, endTime) at the configured granularity and upserts
// one snapshot per instant. progress, when non-nil, is invoked with each
// instant before it is computed; a non-nil return aborts the run between
// periods. Universe discovery and filter failures abort the run; a failure
// inside a single period is logged and the walk continues.
func (e *Engine) Run(ctx context.Context, params Params, progress func(time.Time) error) error {
	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return err
	}
	if params.EndTime.Sub(params.StartTime) > longRangeWarning {
		e.logger.Warn().
			Time("start", params.StartTime).Time("end", params.EndTime).
			Msg("long backtest range, expect a multi-hour run")
	}

	r := &run{params: params, pools: make(map[time.Time][]string)}

	var err error
	if r.universe, err = e.discoverUniverse(params); err != nil {
		return fmt.Errorf("universe discovery failed: %w", err)
	}
	if r.perpetuals, err = e.discoverPerpetuals(); err != nil {
		return fmt.Errorf("perpetual discovery failed: %w", err)
	}
	e.logger.Info().
		Int("universe", len(r.universe)).
		Int("perpetuals", len(r.perpetuals)).
		Time("start", params.StartTime).Time("end", params.EndTime).
		Int("granularity_hours", params.GranularityHours).
		Msg("backtest started")

	for _, t := range symbols.PeriodInstants(params.StartTime, params.EndTime, params.Granularity()) {
		if progress != nil {
			if err := progress(t); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		pool, err := e.resolvePool(ctx, t, r)
		if err != nil {
			return fmt.Errorf("eligibility filter failed for %s: %w", t.Format(time.RFC3339), err)
		}
		if len(pool) == 0 {
			e.logger.Warn().Time("at", t).Msg("empty weekly pool, skipping period")
			continue
		}

		if err := e.computePeriod(ctx, t, pool, r); err != nil {
			e.logger.Error().Time("at", t).Err(err).Msg("period computation failed, continuing")
		}
	}

	e.logger.Info().Time("start", params.StartTime).Time("end", params.EndTime).Msg("backtest finished")
	return nil
}

// computePeriod builds and persists one snapshot.
func (e *Engine) computePeriod(ctx context.Context, t time.Time, pool []string, r *run) error {
	started := time.Now()

	windows := e.windows.Preload(ctx, pool, t)
	items, stats := e.builder.Build(windows, r.params.Limit, r.params.MinVolumeThreshold)

	btc, btcdom := e.builder.FetchBenchmarks(ctx, t)
	futures := e.builder.AttachFuturesPrices(ctx, items, r.perpetuals, t)
	e.enricher.Enrich(ctx, items, futures, t, r.params.Granularity())

	removed := e.buildRemovedCohort(ctx, t, r, items)

	snap := &Snapshot{
		Timestamp:              t,
		Hour:                   t.UTC().Hour(),
		Rankings:               items,
		RemovedSymbols:         removed,
		TotalMarketVolume:      stats.TotalVolume,
		TotalMarketQuoteVolume: stats.TotalQuoteVolume,
		TopMarketConcentration: stats.Concentration,
		CalculationDurationMs:  time.Since(started).Milliseconds(),
		CreatedAt:              time.Now().UTC(),
	}
	if btc.Found {
		snap.BTCPrice = btc.Price
		snap.BTCPriceChange24h = btc.Change24h
	}
	if btcdom.Found {
		price, change := btcdom.Price, btcdom.Change24h
		snap.BTCDOMPrice = &price
		snap.BTCDOMPriceChange24h = &change
	}

	if err := e.store.UpsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("snapshot upsert failed: %w", err)
	}

	e.logger.Info().Time("at", t).
		Int("rankings", len(items)).
		Int("removed", len(removed)).
		Int64("elapsed_ms", snap.CalculationDurationMs).
		Msg("snapshot stored")
	return nil
}

// resolvePool returns the weekly eligibility pool governing instant t,
// computing and caching it on first use.
func (e *Engine) resolvePool(ctx context.Context, t time.Time, r *run) ([]string, error) {
	week := symbols.WeekStart(t)
	if pool, ok := r.pools[week]; ok {
		return pool, nil
	}

	criteria := filter.Criteria{
		ReferenceTime:      week,
		QuoteAsset:         r.params.QuoteAsset,
		MinVolumeThreshold: r.params.MinVolumeThreshold,
		MinHistoryDays:     r.params.MinHistoryDays,
		RequireFutures:     true,
		ExcludeStablecoins: true,
	}

	result, hit, err := e.cache.GetOrCompute(ctx, criteria, func() (*filter.Result, error) {
		return e.filter.Run(ctx, r.universe, criteria)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().Time("week", week).
		Int("valid", len(result.ValidSymbols)).
		Bool("cache_hit", hit).
		Msg("weekly pool resolved")

	r.pools[week] = result.ValidSymbols
	return result.ValidSymbols, nil
}

// discoverUniverse lists the tradable spot pairs on the requested quote
// asset, excluding leveraged tokens, intersected with an explicit symbol
// list when the caller supplies one.
func (e *Engine) discoverUniverse(params Params) ([]string, error) {
	info, err := e.feed.GetExchangeInfo()
	if err != nil {
		return nil, err
	}

	var wanted map[string]bool
	if len(params.Symbols) > 0 {
		wanted = make(map[string]bool, len(params.Symbols))
		for _, s := range params.Symbols {
			wanted[s] = true
		}
	}

	var universe []string
	for _, s := range info.Symbols {
		if s.Status != "TRADING" || s.QuoteAsset != params.QuoteAsset {
			continue
		}
		if symbols.IsLeveragedToken(s.BaseAsset) {
			continue
		}
		if wanted != nil && !wanted[s.Symbol] {
			continue
		}
		universe = append(universe, s.Symbol)
	}
	return universe, nil
}

// discoverPerpetuals maps the live USDT-margined perpetual contracts.
func (e *Engine) discoverPerpetuals() (map[string]bool, error) {
	info, err := e.feed.GetFuturesExchangeInfo()
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
