package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memCacheStore struct {
	entries map[string]*CacheEntry
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{entries: make(map[string]*CacheEntry)}
}

func (s *memCacheStore) GetFilterCacheEntry(_ context.Context, hash string) (*CacheEntry, error) {
	return s.entries[hash], nil
}

func (s *memCacheStore) UpsertFilterCacheEntry(_ context.Context, entry *CacheEntry) error {
	s.entries[entry.FilterHash] = entry
	return nil
}

func (s *memCacheStore) TouchFilterCacheEntry(_ context.Context, hash string) error {
	if e := s.entries[hash]; e != nil {
		e.HitCount++
		e.LastUsedAt = time.Now().UTC()
	}
	return nil
}

func (s *memCacheStore) PurgeFilterCache(_ context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	for hash, e := range s.entries {
		if e.LastUsedAt.Before(cutoff) {
			delete(s.entries, hash)
			purged++
		}
	}
	return purged, nil
}

func (s *memCacheStore) FilterCacheStats(_ context.Context) (*CacheStats, error) {
	stats := &CacheStats{Entries: int64(len(s.entries))}
	for _, e := range s.entries {
		stats.TotalHits += e.HitCount
	}
	return stats, nil
}

func TestCacheGetOrCompute(t *testing.T) {
	store := newMemCacheStore()
	cache := NewCache(store, nil, zerolog.Nop())
	criteria := testCriteria()

	computes := 0
	compute := func() (*Result, error) {
		computes++
		return &Result{
			ValidSymbols:   []string{"ETHUSDT"},
			InvalidSymbols: []string{"USDCUSDT"},
			InvalidReasons: map[string][]string{"USDCUSDT": {"稳定币"}},
		}, nil
	}

	result, hit, err := cache.GetOrCompute(context.Background(), criteria, compute)
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, []string{"ETHUSDT"}, result.ValidSymbols)
	require.Equal(t, 1, computes)

	result, hit, err = cache.GetOrCompute(context.Background(), criteria, compute)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, []string{"ETHUSDT"}, result.ValidSymbols)
	require.Equal(t, 1, computes)

	entry := store.entries[Hash(criteria)]
	require.NotNil(t, entry)
	require.EqualValues(t, 1, entry.HitCount)
	require.Equal(t, 2, entry.Statistics.TotalChecked)
}

func TestCacheComputeErrorNotCached(t *testing.T) {
	cache := NewCache(newMemCacheStore(), nil, zerolog.Nop())
	boom := errors.New("feed unavailable")

	_, _, err := cache.GetOrCompute(context.Background(), testCriteria(), func() (*Result, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	computes := 0
	_, hit, err := cache.GetOrCompute(context.Background(), testCriteria(), func() (*Result, error) {
		computes++
		return &Result{}, nil
	})
	require.NoError(t, err)
	require.False(t, hit)
	require.Equal(t, 1, computes)
}

func TestCacheCleanup(t *testing.T) {
	store := newMemCacheStore()
	cache := NewCache(store, nil, zerolog.Nop())

	store.entries["stale"] = &CacheEntry{FilterHash: "stale", LastUsedAt: time.Now().UTC().AddDate(0, 0, -40)}
	store.entries["live"] = &CacheEntry{FilterHash: "live", LastUsedAt: time.Now().UTC()}

	purged, err := cache.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)
	require.NotContains(t, store.entries, "stale")
	require.Contains(t, store.entries, "live")
}
