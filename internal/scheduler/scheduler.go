// Package scheduler keeps the snapshot history current: it fires shortly
// after each 8h period closes and dispatches a catch-up backtest covering
// every period missing from storage.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/ranking"
	"binance-drop-ranking/internal/tasks"
)

// genesis is where a catch-up starts when storage is empty.
var genesis = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Notifier delivers operator notifications. Delivery failures are logged,
// never propagated.
type Notifier interface {
	Notify(subject, body string) error
}

// Config tunes the catch-up loop.
type Config struct {
	RunOffset        time.Duration // delay past the period boundary, default 10m
	BackfillLookback time.Duration // funding backfill scan depth, default 48h

	// Catch-up run parameters.
	Limit              int
	MinVolumeThreshold float64
	MinHistoryDays     int
	QuoteAsset         string
	GranularityHours   int
}

// DefaultConfig returns the production catch-up settings.
func DefaultConfig() Config {
	return Config{
		RunOffset:          10 * time.Minute,
		BackfillLookback:   48 * time.Hour,
		Limit:              30,
		MinVolumeThreshold: 400000,
		MinHistoryDays:     365,
		QuoteAsset:         "USDT",
		GranularityHours:   8,
	}
}

// Scheduler dispatches catch-up backtests on the fixed period grid.
type Scheduler struct {
	store      ranking.SnapshotStore
	supervisor *tasks.Supervisor
	backfill   *ranking.FundingBackfill
	notifier   Notifier
	cfg        Config
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates a scheduler. notifier may be nil.
func New(store ranking.SnapshotStore, supervisor *tasks.Supervisor, backfill *ranking.FundingBackfill, notifier Notifier, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.RunOffset <= 0 {
		cfg.RunOffset = 10 * time.Minute
	}
	if cfg.BackfillLookback <= 0 {
		cfg.BackfillLookback = 48 * time.Hour
	}
	if cfg.GranularityHours <= 0 {
		cfg.GranularityHours = 8
	}
	return &Scheduler{
		store:      store,
		supervisor: supervisor,
		backfill:   backfill,
		notifier:   notifier,
		cfg:        cfg,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// NextBoundary returns the first 00:00/08:00/16:00 UTC instant strictly
// after now.
func NextBoundary(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for _, hour := range []int{0, 8, 16, 24} {
		b := day.Add(time.Duration(hour) * time.Hour)
		if b.After(now) {
			return b
		}
	}
	return day.AddDate(0, 0, 1) // unreachable, the 24h candidate covers it
}

// nextFire returns the first boundary-plus-offset instant after now.
func (s *Scheduler) nextFire(now time.Time) time.Time {
	fire := NextBoundary(now.Add(-s.cfg.RunOffset)).Add(s.cfg.RunOffset)
	if !fire.After(now) {
		fire = NextBoundary(now).Add(s.cfg.RunOffset)
	}
	return fire
}

// Start runs the timer loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Time("next_fire", s.nextFire(s.now())).Msg("scheduler started")
	for {
		fire := s.nextFire(s.now())
		timer := time.NewTimer(fire.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("scheduler stopped")
			return
		case <-timer.C:
		}

		s.fireOnce(ctx)
	}
}

// fireOnce runs one scheduled pass and reports failures to the operator.
func (s *Scheduler) fireOnce(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled catch-up failed")
		s.notify("scheduled catch-up failed", err.Error())
	}
}

// RunOnce performs one scheduled pass: funding backfill for recent rows,
// then a catch-up dispatch when storage lags the grid. A pass is skipped
// while a previous task is still live, so catch-ups never overlap.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	live, err := s.supervisor.HasLiveTask(ctx)
	if err != nil {
		return fmt.Errorf("live-task probe failed: %w", err)
	}
	if live {
		s.logger.Info().Msg("previous catch-up still live, skipping this pass")
		s.notify("catch-up pass skipped", "a previous catch-up task is still live")
		return nil
	}

	if s.backfill != nil {
		if _, err := s.backfill.Run(ctx, s.cfg.BackfillLookback); err != nil {
			s.logger.Warn().Err(err).Msg("funding backfill failed, continuing with dispatch")
		}
	}

	start, end, err := s.CatchUpSpan(ctx)
	if err != nil {
		return err
	}
	if !start.Before(end) {
		s.logger.Info().Time("next_period", start).Msg("storage is current, nothing to dispatch")
		return nil
	}

	params := ranking.Params{
		StartTime:          start,
		EndTime:            end,
		Limit:              s.cfg.Limit,
		MinVolumeThreshold: s.cfg.MinVolumeThreshold,
		MinHistoryDays:     s.cfg.MinHistoryDays,
		QuoteAsset:         s.cfg.QuoteAsset,
		GranularityHours:   s.cfg.GranularityHours,
	}

	taskID, err := s.supervisor.StartAsync(ctx, params)
	if err != nil {
		return fmt.Errorf("catch-up dispatch failed: %w", err)
	}

	s.logger.Info().Str("task_id", taskID).
		Time("start", start).Time("end", end).
		Msg("catch-up backtest dispatched")
	s.notify("catch-up backtest dispatched",
		fmt.Sprintf("task %s covering [%s, %s)", taskID,
			start.Format(time.RFC3339), end.Format(time.RFC3339)))
	return nil
}

// CatchUpSpan computes the span the next catch-up should cover: from one
// granularity past the latest stored row (or the genesis instant when
// storage is empty) up to the most recent closed period boundary.
func (s *Scheduler) CatchUpSpan(ctx context.Context) (start, end time.Time, err error) {
	latest, err := s.store.LatestSnapshot(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to read latest snapshot: %w", err)
	}

	if latest != nil {
		start = latest.Timestamp.Add(time.Duration(s.cfg.GranularityHours) * time.Hour)
	} else {
		start = genesis
	}
	end = NextBoundary(s.now())
	return start, end, nil
}

func (s *Scheduler) notify(subject, body string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(subject, body); err != nil {
		s.logger.Warn().Err(err).Msg("operator notification failed")
	}
}
