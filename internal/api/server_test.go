package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/filter"
	"binance-drop-ranking/internal/ranking"
	"binance-drop-ranking/internal/tasks"
)

type memSnapshotStore struct {
	mu    sync.Mutex
	snaps map[int64]*ranking.Snapshot
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{snaps: make(map[int64]*ranking.Snapshot)}
}

func (s *memSnapshotStore) UpsertSnapshot(_ context.Context, snap *ranking.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.Timestamp.UnixMilli()] = snap
	return nil
}

func (s *memSnapshotStore) GetSnapshot(_ context.Context, ts time.Time) (*ranking.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snaps[ts.UnixMilli()], nil
}

func (s *memSnapshotStore) LatestSnapshot(_ context.Context) (*ranking.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *ranking.Snapshot
	for _, snap := range s.snaps {
		if latest == nil || snap.Timestamp.After(latest.Timestamp) {
			latest = snap
		}
	}
	return latest, nil
}

func (s *memSnapshotStore) SnapshotsInRange(_ context.Context, start, end time.Time) ([]*ranking.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ranking.Snapshot
	for _, snap := range s.snaps {
		if !snap.Timestamp.Before(start) && snap.Timestamp.Before(end) {
			out = append(out, snap)
		}
	}
	return out, nil
}

type memCacheStore struct {
	mu      sync.Mutex
	entries map[string]*filter.CacheEntry
}

func newMemCacheStore() *memCacheStore {
	return &memCacheStore{entries: make(map[string]*filter.CacheEntry)}
}

func (s *memCacheStore) GetFilterCacheEntry(_ context.Context, hash string) (*filter.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[hash], nil
}

func (s *memCacheStore) UpsertFilterCacheEntry(_ context.Context, entry *filter.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.FilterHash] = entry
	return nil
}

func (s *memCacheStore) TouchFilterCacheEntry(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[hash]; e != nil {
		e.HitCount++
	}
	return nil
}

func (s *memCacheStore) PurgeFilterCache(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for hash, e := range s.entries {
		if e.LastUsedAt.Before(cutoff) {
			delete(s.entries, hash)
			purged++
		}
	}
	return purged, nil
}

func (s *memCacheStore) FilterCacheStats(_ context.Context) (*filter.CacheStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &filter.CacheStats{Entries: int64(len(s.entries))}, nil
}

type memTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*tasks.Task
}

func newMemTaskStore() *memTaskStore {
	return &memTaskStore{tasks: make(map[string]*tasks.Task)}
}

func (s *memTaskStore) InsertTask(_ context.Context, t *tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.tasks[t.TaskID] = &clone
	return nil
}

func (s *memTaskStore) UpdateTask(_ context.Context, t *tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *t
	s.tasks[t.TaskID] = &clone
	return nil
}

func (s *memTaskStore) SetTaskCheckpoint(_ context.Context, taskID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[taskID]; ok {
		ts := t
		existing.CurrentTime = &ts
	}
	return nil
}

func (s *memTaskStore) GetTask(_ context.Context, taskID string) (*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, nil
	}
	clone := *t
	return &clone, nil
}

func (s *memTaskStore) ListTasksByStatus(_ context.Context, statuses ...tasks.Status) ([]*tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*tasks.Task
	for _, t := range s.tasks {
		for _, st := range statuses {
			if t.Status == st {
				clone := *t
				out = append(out, &clone)
				break
			}
		}
	}
	return out, nil
}

type noopRunner struct{}

func (noopRunner) Run(context.Context, ranking.Params, func(time.Time) error) error {
	return nil
}

type testHarness struct {
	server     *Server
	store      *memSnapshotStore
	supervisor *tasks.Supervisor
}

func newTestServer(t *testing.T) *testHarness {
	t.Helper()
	logger := zerolog.Nop()

	store := newMemSnapshotStore()
	cache := filter.NewCache(newMemCacheStore(), nil, logger)
	feed := binance.NewMockClient()
	f := filter.New(feed, filter.Config{Concurrency: 2}, logger)
	engine := ranking.NewEngine(feed, store, cache, f, logger)
	supervisor := tasks.NewSupervisor(newMemTaskStore(), noopRunner{}, logger)

	server := NewServer(ServerConfig{}, engine, store, supervisor, cache, nil, logger)
	return &testHarness{server: server, store: store, supervisor: supervisor}
}

func doRequest(h *testHarness, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)
	w := doRequest(h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}

func TestLatestRankingNotFound(t *testing.T) {
	h := newTestServer(t)
	w := doRequest(h, http.MethodGet, "/api/rankings/latest", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRankingsRange(t *testing.T) {
	h := newTestServer(t)
	ts := time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.UpsertSnapshot(context.Background(), &ranking.Snapshot{Timestamp: ts, Hour: 8}))

	w := doRequest(h, http.MethodGet,
		"/api/rankings?start=2024-06-17T00:00:00Z&end=2024-06-18T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Data.Count)

	w = doRequest(h, http.MethodGet, "/api/rankings?start=bogus&end=2024-06-18T00:00:00Z", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRankingAtTimestamp(t *testing.T) {
	h := newTestServer(t)
	ts := time.Date(2024, 6, 17, 8, 0, 0, 0, time.UTC)
	require.NoError(t, h.store.UpsertSnapshot(context.Background(), &ranking.Snapshot{Timestamp: ts, Hour: 8}))

	w := doRequest(h, http.MethodGet, "/api/rankings/2024-06-17T08:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(h, http.MethodGet, "/api/rankings/2024-06-17T16:00:00Z", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAsyncBacktestLifecycle(t *testing.T) {
	h := newTestServer(t)

	w := doRequest(h, http.MethodPost, "/api/backtest", map[string]interface{}{
		"startTime": "2024-06-17T00:00:00Z",
		"endTime":   "2024-06-17T16:00:00Z",
		"async":     true,
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Data struct {
			TaskID string `json:"taskId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.TaskID)

	h.supervisor.Wait()

	w = doRequest(h, http.MethodGet, "/api/backtest/tasks/"+resp.Data.TaskID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "completed")

	// Terminal task cannot be cancelled.
	w = doRequest(h, http.MethodPost, "/api/backtest/tasks/"+resp.Data.TaskID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestBacktestRejectsInvalidSpan(t *testing.T) {
	h := newTestServer(t)
	w := doRequest(h, http.MethodPost, "/api/backtest", map[string]interface{}{
		"startTime": "2024-06-17T00:00:00Z",
		"endTime":   "2024-06-16T00:00:00Z",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskProgressNotFound(t *testing.T) {
	h := newTestServer(t)
	w := doRequest(h, http.MethodGet, "/api/backtest/tasks/ffffffff", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestInterruptedTasksEmpty(t *testing.T) {
	h := newTestServer(t)

	w := doRequest(h, http.MethodGet, "/api/backtest/interrupted", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"count":0`)

	w = doRequest(h, http.MethodPost, "/api/backtest/interrupted/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestFilterCacheEndpoints(t *testing.T) {
	h := newTestServer(t)

	w := doRequest(h, http.MethodGet, "/api/filter-cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(h, http.MethodPost, "/api/filter-cache/cleanup", map[string]interface{}{"olderThanDays": 10})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "purged")
}

func TestSyncBacktestEmptyUniverse(t *testing.T) {
	h := newTestServer(t)

	// No symbols registered in the mock feed: the run completes with no rows.
	w := doRequest(h, http.MethodPost, "/api/backtest", map[string]interface{}{
		"startTime": "2024-06-17T00:00:00Z",
		"endTime":   "2024-06-17T08:00:00Z",
	})
	require.Equal(t, http.StatusOK, w.Code)
}
