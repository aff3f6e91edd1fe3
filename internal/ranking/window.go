package ranking

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/pool"
)

// WindowConfig tunes the batched candle preload.
type WindowConfig struct {
	BatchSize       int           // symbols per batch
	MaxConcurrency  int           // fetches in flight within a batch
	InterBatchDelay time.Duration // sleep between batches
}

// DefaultWindowConfig returns the documented preload defaults.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		BatchSize:       40,
		MaxConcurrency:  12,
		InterBatchDelay: 500 * time.Millisecond,
	}
}

// WindowEngine builds per-symbol 24h volume windows at a period instant.
type WindowEngine struct {
	feed   binance.MarketDataClient
	cfg    WindowConfig
	logger zerolog.Logger
}

// NewWindowEngine creates a window engine.
func NewWindowEngine(feed binance.MarketDataClient, cfg WindowConfig, logger zerolog.Logger) *WindowEngine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 40
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 12
	}
	return &WindowEngine{
		feed:   feed,
		cfg:    cfg,
		logger: logger.With().Str("component", "window-engine").Logger(),
	}
}

// Preload fetches each symbol's 24 1h candles in [t-24h, t) and caches the
// volume aggregates. Symbols whose fetch yields zero candles, or fails
// after retries, are evicted from the instant's working set with a warning.
func (e *WindowEngine) Preload(ctx context.Context, syms []string, t time.Time) map[string]*VolumeWindow {
	windows := make(map[string]*VolumeWindow, len(syms))
	windowStart := t.Add(-24 * time.Hour)
	windowEnd := t.Add(-time.Millisecond) // openTime strictly before t

	for batchStart := 0; batchStart < len(syms); batchStart += e.cfg.BatchSize {
		batchEnd := batchStart + e.cfg.BatchSize
		if batchEnd > len(syms) {
			batchEnd = len(syms)
		}
		batch := syms[batchStart:batchEnd]

		results, _ := pool.Run(ctx, batch, func(_ context.Context, symbol string) ([]binance.Kline, error) {
			return e.feed.GetKlines(symbol, "1h", windowStart, windowEnd, 24)
		}, pool.Options{
			InitialConcurrency: e.cfg.MaxConcurrency,
			MaxConcurrency:     e.cfg.MaxConcurrency,
			MinConcurrency:     1,
			Retry:              true,
			MaxRetries:         3,
		})

		for _, r := range results {
			if r.Err != nil {
				e.logger.Warn().Str("symbol", r.Item).Time("at", t).Err(r.Err).
					Msg("candle fetch failed, evicting symbol for this period")
				continue
			}
			if len(r.Value) == 0 {
				e.logger.Warn().Str("symbol", r.Item).Time("at", t).
					Msg("no candles in window, evicting symbol for this period")
				continue
			}
			windows[r.Item] = newVolumeWindow(r.Item, r.Value)
		}

		if batchEnd < len(syms) && e.cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
				return windows
			case <-time.After(e.cfg.InterBatchDelay):
			}
		}
	}

	return windows
}

// newVolumeWindow caches the window aggregates: plain sums over the data.
func newVolumeWindow(symbol string, data []binance.Kline) *VolumeWindow {
	if len(data) > 24 {
		data = data[len(data)-24:]
	}
	w := &VolumeWindow{Symbol: symbol, Data: data}
	for _, k := range data {
		w.Volume24h += k.Volume
		w.QuoteVolume24h += k.QuoteAssetVolume
	}
	return w
}
