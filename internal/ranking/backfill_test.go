package ranking

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"binance-drop-ranking/internal/binance"
)

func TestFundingBackfillFillsSettledRows(t *testing.T) {
	ts := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Hour)

	feed := binance.NewMockClient()
	feed.FuturesSymbols = []binance.FuturesSymbolInfo{
		{Symbol: "ETHUSDT", Status: "TRADING", ContractType: "PERPETUAL"},
	}
	feed.SetFundingRates("ETHUSDT", []binance.FundingRate{
		{FundingTime: ts.UnixMilli(), FundingRate: 0.0005},
		{FundingTime: ts.Add(8 * time.Hour).UnixMilli(), FundingRate: -0.0001},
	})

	store := newMemStore()
	require.NoError(t, store.UpsertSnapshot(context.Background(), &Snapshot{
		Timestamp: ts,
		Rankings:  []LeaderboardItem{{Symbol: "ETHUSDT"}},
	}))

	logger := zerolog.Nop()
	backfill := NewFundingBackfill(feed, store, NewFundingEnricher(feed, logger), logger)

	updated, err := backfill.Run(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	snap, err := store.GetSnapshot(context.Background(), ts)
	require.NoError(t, err)
	require.NotNil(t, snap.Rankings[0].CurrentFundingRate)
	require.InDelta(t, 0.0005, *snap.Rankings[0].CurrentFundingRate, 1e-9)
	require.Len(t, snap.Rankings[0].FundingRateHistory, 1)
}

func TestFundingBackfillSkipsEnrichedAndUnsettled(t *testing.T) {
	feed := binance.NewMockClient()
	feed.FuturesSymbols = []binance.FuturesSymbolInfo{
		{Symbol: "ETHUSDT", Status: "TRADING", ContractType: "PERPETUAL"},
	}

	rate := 0.0001
	enriched := time.Now().UTC().Add(-24 * time.Hour).Truncate(time.Hour)
	fresh := time.Now().UTC().Truncate(time.Hour)

	store := newMemStore()
	require.NoError(t, store.UpsertSnapshot(context.Background(), &Snapshot{
		Timestamp: enriched,
		Rankings:  []LeaderboardItem{{Symbol: "ETHUSDT", CurrentFundingRate: &rate}},
	}))
	// Its funding window has not closed yet.
	require.NoError(t, store.UpsertSnapshot(context.Background(), &Snapshot{
		Timestamp: fresh,
		Rankings:  []LeaderboardItem{{Symbol: "ETHUSDT"}},
	}))

	logger := zerolog.Nop()
	backfill := NewFundingBackfill(feed, store, NewFundingEnricher(feed, logger), logger)

	updated, err := backfill.Run(context.Background(), 72*time.Hour)
	require.NoError(t, err)
	require.Zero(t, updated)
	require.Zero(t, feed.CallCount["fundingRate"])
}
