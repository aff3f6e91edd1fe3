package ranking

import (
	"context"
	"sort"
	"time"
)

// buildRemovedCohort computes the rows that were on the previous period's
// leaderboard but fell off the current one, with their metrics re-measured
// at t. The previous membership comes from the stored snapshot when one
// exists; otherwise it is recomputed on the fly against the previous
// period's weekly pool. Removed rows keep a zero market share since they are
// outside the eligible set.
func (e *Engine) buildRemovedCohort(ctx context.Context, t time.Time, r *run, current []LeaderboardItem) []LeaderboardItem {
	prev := t.Add(-r.params.Granularity())

	prevSymbols := e.previousMembers(ctx, prev, r)
	if len(prevSymbols) == 0 {
		return nil
	}

	onBoard := make(map[string]bool, len(current))
	for _, it := range current {
		onBoard[it.Symbol] = true
	}

	var removed []string
	for _, s := range prevSymbols {
		if !onBoard[s] {
			removed = append(removed, s)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	windows := e.windows.Preload(ctx, removed, t)
	cohort := make([]LeaderboardItem, 0, len(removed))
	for _, s := range removed {
		w, ok := windows[s]
		if !ok {
			e.logger.Warn().Str("symbol", s).Time("at", t).
				Msg("removed symbol has no window data, dropping from cohort")
			continue
		}
		cohort = append(cohort, itemFromWindow(w))
	}

	sort.SliceStable(cohort, func(i, j int) bool {
		return cohort[i].PriceChange24h < cohort[j].PriceChange24h
	})
	for i := range cohort {
		cohort[i].Rank = i + 1
	}

	e.builder.AttachFuturesPrices(ctx, cohort, r.perpetuals, t)
	return cohort
}

// previousMembers returns the previous leaderboard's symbols, from storage
// when available, otherwise recomputed against the previous instant's
// weekly pool.
func (e *Engine) previousMembers(ctx context.Context, prev time.Time, r *run) []string {
	snap, err := e.store.GetSnapshot(ctx, prev)
	if err != nil {
		e.logger.Warn().Time("prev", prev).Err(err).Msg("previous snapshot read failed")
	}
	if snap != nil {
		members := make([]string, 0, len(snap.Rankings))
		for _, it := range snap.Rankings {
			members = append(members, it.Symbol)
		}
		return members
	}

	pool, err := e.resolvePool(ctx, prev, r)
	if err != nil {
		e.logger.Warn().Time("prev", prev).Err(err).
			Msg("previous pool unavailable, skipping removed cohort")
		return nil
	}
	if len(pool) == 0 {
		return nil
	}

	windows := e.windows.Preload(ctx, pool, prev)
	items, _ := e.builder.Build(windows, r.params.Limit, r.params.MinVolumeThreshold)
	members := make([]string, 0, len(items))
	for _, it := range items {
		members = append(members, it.Symbol)
	}
	return members
}
