package ranking

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"binance-drop-ranking/internal/binance"
)

func fundingObs(t time.Time, rate float64) binance.FundingRate {
	mark := 100.0
	return binance.FundingRate{FundingTime: t.UnixMilli(), FundingRate: rate, MarkPrice: &mark}
}

func TestEnrichSplitsCurrentAndHistory(t *testing.T) {
	feed := binance.NewMockClient()
	feed.SetFundingRates("ETHUSDT", []binance.FundingRate{
		fundingObs(testInstant, 0.0001),                   // in force at the period open
		fundingObs(testInstant.Add(8*time.Hour), -0.0002), // settles inside the period
	})

	items := []LeaderboardItem{{Symbol: "ETHUSDT"}}
	futures := map[string]string{"ETHUSDT": "ETHUSDT"}

	enricher := NewFundingEnricher(feed, zerolog.Nop())
	enricher.Enrich(context.Background(), items, futures, testInstant, 8*time.Hour)

	require.NotNil(t, items[0].CurrentFundingRate)
	require.InDelta(t, 0.0001, *items[0].CurrentFundingRate, 1e-9)
	require.Len(t, items[0].FundingRateHistory, 1)
	require.InDelta(t, -0.0002, items[0].FundingRateHistory[0].FundingRate, 1e-9)
}

func TestEnrichGracePeriodBoundary(t *testing.T) {
	feed := binance.NewMockClient()
	feed.SetFundingRates("ETHUSDT", []binance.FundingRate{
		// Settlement stamped 5 minutes late still counts as the current rate.
		fundingObs(testInstant.Add(5*time.Minute), 0.0003),
		// 11 minutes late lands past the grace threshold: history.
		fundingObs(testInstant.Add(11*time.Minute), 0.0004),
	})

	items := []LeaderboardItem{{Symbol: "ETHUSDT"}}
	futures := map[string]string{"ETHUSDT": "ETHUSDT"}

	enricher := NewFundingEnricher(feed, zerolog.Nop())
	enricher.Enrich(context.Background(), items, futures, testInstant, 8*time.Hour)

	require.NotNil(t, items[0].CurrentFundingRate)
	require.InDelta(t, 0.0003, *items[0].CurrentFundingRate, 1e-9)
	require.Len(t, items[0].FundingRateHistory, 1)
	require.InDelta(t, 0.0004, items[0].FundingRateHistory[0].FundingRate, 1e-9)
}

func TestEnrichLatestObservationWins(t *testing.T) {
	feed := binance.NewMockClient()
	feed.SetFundingRates("ETHUSDT", []binance.FundingRate{
		fundingObs(testInstant, 0.0001),
		fundingObs(testInstant.Add(9*time.Minute), 0.0009),
	})

	items := []LeaderboardItem{{Symbol: "ETHUSDT"}}
	futures := map[string]string{"ETHUSDT": "ETHUSDT"}

	enricher := NewFundingEnricher(feed, zerolog.Nop())
	enricher.Enrich(context.Background(), items, futures, testInstant, 8*time.Hour)

	require.NotNil(t, items[0].CurrentFundingRate)
	require.InDelta(t, 0.0009, *items[0].CurrentFundingRate, 1e-9)
	require.Empty(t, items[0].FundingRateHistory)
}

func TestEnrichNoDataLeavesRowUntouched(t *testing.T) {
	feed := binance.NewMockClient()
	items := []LeaderboardItem{{Symbol: "ETHUSDT"}, {Symbol: "NOPERPUSDT"}}
	futures := map[string]string{"ETHUSDT": "ETHUSDT"}

	enricher := NewFundingEnricher(feed, zerolog.Nop())
	enricher.Enrich(context.Background(), items, futures, testInstant, 8*time.Hour)

	// ETHUSDT has a contract but no observations in the window.
	require.Nil(t, items[0].CurrentFundingRate)
	require.Empty(t, items[0].FundingRateHistory)
	// NOPERPUSDT is not in the resolution map at all.
	require.Nil(t, items[1].CurrentFundingRate)
}
