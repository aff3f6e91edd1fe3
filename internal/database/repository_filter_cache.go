package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"binance-drop-ranking/internal/filter"
)

// GetFilterCacheEntry retrieves a cached filter result; (nil, nil) on miss.
func (r *Repository) GetFilterCacheEntry(ctx context.Context, hash string) (*filter.CacheEntry, error) {
	query := `
		SELECT filter_hash, criteria, valid_symbols, invalid_symbols, invalid_reasons,
		       statistics, processing_time_ms, created_at, last_used_at, hit_count
		FROM symbol_filter_cache
		WHERE filter_hash = $1
	`

	var entry filter.CacheEntry
	var criteria, valid, invalid, reasons, stats []byte
	err := r.db.Pool.QueryRow(ctx, query, hash).Scan(
		&entry.FilterHash, &criteria, &valid, &invalid, &reasons,
		&stats, &entry.ProcessingTimeMs, &entry.CreatedAt, &entry.LastUsedAt, &entry.HitCount,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get filter cache entry: %w", err)
	}

	for _, pair := range []struct {
		data []byte
		dst  interface{}
	}{
		{criteria, &entry.Criteria},
		{valid, &entry.ValidSymbols},
		{invalid, &entry.InvalidSymbols},
		{reasons, &entry.InvalidReasons},
		{stats, &entry.Statistics},
	} {
		if err := json.Unmarshal(pair.data, pair.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal filter cache entry: %w", err)
		}
	}
	return &entry, nil
}

// UpsertFilterCacheEntry writes a filter cache entry, replacing any prior
// row with the same hash.
func (r *Repository) UpsertFilterCacheEntry(ctx context.Context, entry *filter.CacheEntry) error {
	criteria, err := json.Marshal(entry.Criteria)
	if err != nil {
		return fmt.Errorf("failed to marshal criteria: %w", err)
	}
	valid, _ := json.Marshal(entry.ValidSymbols)
	invalid, _ := json.Marshal(entry.InvalidSymbols)
	reasons, _ := json.Marshal(entry.InvalidReasons)
	stats, _ := json.Marshal(entry.Statistics)

	query := `
		INSERT INTO symbol_filter_cache (
			filter_hash, criteria, valid_symbols, invalid_symbols, invalid_reasons,
			statistics, processing_time_ms, created_at, last_used_at, hit_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (filter_hash) DO UPDATE SET
			criteria = EXCLUDED.criteria,
			valid_symbols = EXCLUDED.valid_symbols,
			invalid_symbols = EXCLUDED.invalid_symbols,
			invalid_reasons = EXCLUDED.invalid_reasons,
			statistics = EXCLUDED.statistics,
			processing_time_ms = EXCLUDED.processing_time_ms,
			created_at = EXCLUDED.created_at,
			last_used_at = EXCLUDED.last_used_at,
			hit_count = EXCLUDED.hit_count
	`

	_, err = r.db.Pool.Exec(ctx, query,
		entry.FilterHash, criteria, valid, invalid, reasons,
		stats, entry.ProcessingTimeMs, entry.CreatedAt, entry.LastUsedAt, entry.HitCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert filter cache entry: %w", err)
	}
	return nil
}

// TouchFilterCacheEntry atomically bumps hit_count and last_used_at.
func (r *Repository) TouchFilterCacheEntry(ctx context.Context, hash string) error {
	query := `
		UPDATE symbol_filter_cache
		SET hit_count = hit_count + 1, last_used_at = NOW()
		WHERE filter_hash = $1
	`
	if _, err := r.db.Pool.Exec(ctx, query, hash); err != nil {
		return fmt.Errorf("failed to touch filter cache entry: %w", err)
	}
	return nil
}

// PurgeFilterCache deletes entries whose last_used_at is older than cutoff.
func (r *Repository) PurgeFilterCache(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM symbol_filter_cache WHERE last_used_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge filter cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FilterCacheStats reports collection statistics.
func (r *Repository) FilterCacheStats(ctx context.Context) (*filter.CacheStats, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(hit_count), 0), MIN(created_at) FROM symbol_filter_cache`

	var stats filter.CacheStats
	var oldest *time.Time
	if err := r.db.Pool.QueryRow(ctx, query).Scan(&stats.Entries, &stats.TotalHits, &oldest); err != nil {
		return nil, fmt.Errorf("failed to read filter cache stats: %w", err)
	}
	stats.OldestEntry = oldest
	return &stats, nil
}
