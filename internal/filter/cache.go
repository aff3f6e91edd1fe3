package filter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheEntry is the persisted filter result, keyed by the criteria hash.
type CacheEntry struct {
	FilterHash       string              `json:"filterHash"`
	Criteria         Criteria            `json:"criteria"`
	ValidSymbols     []string            `json:"validSymbols"`
	InvalidSymbols   []string            `json:"invalidSymbols"`
	InvalidReasons   map[string][]string `json:"invalidReasons"`
	Statistics       Statistics          `json:"statistics"`
	ProcessingTimeMs int64               `json:"processingTime"`
	CreatedAt        time.Time           `json:"createdAt"`
	LastUsedAt       time.Time           `json:"lastUsedAt"`
	HitCount         int64               `json:"hitCount"`
}

// CacheStore is the durable side of the filter cache.
type CacheStore interface {
	GetFilterCacheEntry(ctx context.Context, hash string) (*CacheEntry, error)
	UpsertFilterCacheEntry(ctx context.Context, entry *CacheEntry) error
	// TouchFilterCacheEntry atomically bumps hitCount and lastUsedAt.
	TouchFilterCacheEntry(ctx context.Context, hash string) error
	PurgeFilterCache(ctx context.Context, cutoff time.Time) (int64, error)
	FilterCacheStats(ctx context.Context) (*CacheStats, error)
}

// CacheStats describes the cache collection for operators.
type CacheStats struct {
	Entries     int64      `json:"entries"`
	TotalHits   int64      `json:"totalHits"`
	OldestEntry *time.Time `json:"oldestEntry,omitempty"`
}

// Hash derives the content address of a criteria set: SHA-256 over the
// sorted-keys JSON serialization, with referenceTime reduced to its date so
// cache granularity is daily.
func Hash(c Criteria) string {
	// map marshaling sorts keys, giving a canonical serialization.
	canonical := map[string]interface{}{
		"referenceTime":      c.ReferenceTime.UTC().Format("2006-01-02"),
		"quoteAsset":         c.QuoteAsset,
		"minVolumeThreshold": c.MinVolumeThreshold,
		"minHistoryDays":     c.MinHistoryDays,
		"requireFutures":     c.RequireFutures,
		"excludeStablecoins": c.ExcludeStablecoins,
		"includeInactive":    c.IncludeInactive,
	}
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Cache is the content-addressed filter cache: a redis hot layer in front
// of the durable store. Both layers are best-effort on the write path;
// cache I/O failures degrade to a miss and never surface to callers.
type Cache struct {
	store  CacheStore
	redis  *redis.Client // optional
	ttl    time.Duration // redis entry TTL
	logger zerolog.Logger
}

// NewCache creates the filter cache. rdb may be nil when redis is not
// configured.
func NewCache(store CacheStore, rdb *redis.Client, logger zerolog.Logger) *Cache {
	return &Cache{
		store:  store,
		redis:  rdb,
		ttl:    24 * time.Hour,
		logger: logger.With().Str("component", "filter-cache").Logger(),
	}
}

const redisKeyPrefix = "filtercache:"

// GetOrCompute returns the cached result for the criteria, or runs compute
// on a miss and stores the outcome. The second return reports a cache hit.
func (c *Cache) GetOrCompute(ctx context.Context, criteria Criteria, compute func() (*Result, error)) (*Result, bool, error) {
	hash := Hash(criteria)

	if cached := c.lookup(ctx, hash); cached != nil {
		if err := c.store.TouchFilterCacheEntry(ctx, hash); err != nil {
			c.logger.Warn().Str("hash", hash).Err(err).Msg("failed to bump cache hit counters")
		}
		return cached, true, nil
	}

	started := time.Now()
	result, err := compute()
	if err != nil {
		return nil, false, err
	}

	entry := &CacheEntry{
		FilterHash:       hash,
		Criteria:         criteria,
		ValidSymbols:     result.ValidSymbols,
		InvalidSymbols:   result.InvalidSymbols,
		InvalidReasons:   result.InvalidReasons,
		Statistics:       buildStatistics(result),
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		CreatedAt:        time.Now().UTC(),
		LastUsedAt:       time.Now().UTC(),
	}

	if err := c.store.UpsertFilterCacheEntry(ctx, entry); err != nil {
		c.logger.Warn().Str("hash", hash).Err(err).Msg("failed to persist filter cache entry")
	}
	c.storeHot(ctx, hash, result)

	return result, false, nil
}

// Cleanup purges entries whose lastUsedAt is older than olderThanDays.
func (c *Cache) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	purged, err := c.store.PurgeFilterCache(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	c.logger.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("filter cache cleanup")
	return purged, nil
}

// Stats reports collection statistics from the durable store.
func (c *Cache) Stats(ctx context.Context) (*CacheStats, error) {
	return c.store.FilterCacheStats(ctx)
}

func (c *Cache) lookup(ctx context.Context, hash string) *Result {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, redisKeyPrefix+hash).Bytes()
		if err == nil {
			var result Result
			if err := json.Unmarshal(data, &result); err == nil {
				return &result
			}
		} else if err != redis.Nil {
			c.logger.Warn().Err(err).Msg("redis lookup failed, falling back to store")
		}
	}

	entry, err := c.store.GetFilterCacheEntry(ctx, hash)
	if err != nil {
		c.logger.Warn().Str("hash", hash).Err(err).Msg("filter cache read failed, degrading to miss")
		return nil
	}
	if entry == nil {
		return nil
	}

	result := &Result{
		ValidSymbols:   entry.ValidSymbols,
		InvalidSymbols: entry.InvalidSymbols,
		InvalidReasons: entry.InvalidReasons,
	}
	c.storeHot(ctx, hash, result)
	return result
}

func (c *Cache) storeHot(ctx context.Context, hash string, result *Result) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+hash, data, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Msg("redis write failed")
	}
}

func buildStatistics(r *Result) Statistics {
	stats := Statistics{
		TotalChecked: len(r.ValidSymbols) + len(r.InvalidSymbols),
		ValidCount:   len(r.ValidSymbols),
		InvalidCount: len(r.InvalidSymbols),
		ReasonCounts: make(map[string]int),
	}
	for _, reasons := range r.InvalidReasons {
		for _, reason := range reasons {
			stats.ReasonCounts[reason]++
		}
	}
	return stats
}
