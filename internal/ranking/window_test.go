package ranking

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"binance-drop-ranking/internal/binance"
)

var testInstant = time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)

func TestWindowPreloadAggregates(t *testing.T) {
	feed := binance.NewMockClient()
	feed.SetSpotKlines("ETHUSDT", "1h", binance.HourlyKlines(testInstant, 24, 100, 90, 5))

	engine := NewWindowEngine(feed, WindowConfig{BatchSize: 40, MaxConcurrency: 4}, zerolog.Nop())
	windows := engine.Preload(context.Background(), []string{"ETHUSDT"}, testInstant)

	require.Len(t, windows, 1)
	w := windows["ETHUSDT"]
	require.Len(t, w.Data, 24)
	require.InDelta(t, 24*5.0, w.Volume24h, 1e-9)
	require.Greater(t, w.QuoteVolume24h, 0.0)

	// Every candle opens inside [t-24h, t).
	for _, k := range w.Data {
		open := time.UnixMilli(k.OpenTime)
		require.False(t, open.Before(testInstant.Add(-24*time.Hour)))
		require.True(t, open.Before(testInstant))
	}
}

func TestWindowPreloadEvictsEmptySymbols(t *testing.T) {
	feed := binance.NewMockClient()
	feed.SetSpotKlines("ETHUSDT", "1h", binance.HourlyKlines(testInstant, 24, 100, 110, 5))
	// DEADUSDT has candles registered, but all outside the window.
	feed.SetSpotKlines("DEADUSDT", "1h", binance.HourlyKlines(testInstant.Add(-72*time.Hour), 24, 1, 1, 1))

	engine := NewWindowEngine(feed, WindowConfig{BatchSize: 40, MaxConcurrency: 4}, zerolog.Nop())
	windows := engine.Preload(context.Background(), []string{"ETHUSDT", "DEADUSDT"}, testInstant)

	require.Len(t, windows, 1)
	require.Contains(t, windows, "ETHUSDT")
	require.NotContains(t, windows, "DEADUSDT")
}

func TestNewVolumeWindowTruncatesToLast24(t *testing.T) {
	w := newVolumeWindow("ETHUSDT", binance.HourlyKlines(testInstant, 30, 100, 100, 2))
	require.Len(t, w.Data, 24)
	require.InDelta(t, 24*2.0, w.Volume24h, 1e-9)
}
