package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"binance-drop-ranking/internal/ranking"
	"binance-drop-ranking/internal/tasks"
)

// BacktestRequest is the POST /api/backtest body. Async runs return a task
// ID immediately; sync runs block and return the computed snapshots.
type BacktestRequest struct {
	ranking.Params
	Async bool `json:"async"`
}

func (s *Server) handleBacktest(c *gin.Context) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req.Params.ApplyDefaults()
	if err := req.Params.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async {
		taskID, err := s.supervisor.StartAsync(c.Request.Context(), req.Params)
		if err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"data":    gin.H{"taskId": taskID, "status": tasks.StatusPending},
		})
		return
	}

	// Sync path: run on the request goroutine, then read back the span.
	if err := s.engine.Run(c.Request.Context(), req.Params, nil); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	snaps, err := s.store.SnapshotsInRange(c.Request.Context(), req.StartTime, req.EndTime)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, snaps)
}

func (s *Server) handleTaskProgress(c *gin.Context) {
	task, err := s.supervisor.GetProgress(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		errorResponse(c, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, task)
}

func (s *Server) handleTaskCancel(c *gin.Context) {
	err := s.supervisor.Cancel(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		errorResponse(c, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"message": "task cancelled"})
}

func (s *Server) handleTaskResume(c *gin.Context) {
	err := s.supervisor.Resume(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		errorResponse(c, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"message": "task resumed"})
}

func (s *Server) handleTaskCleanup(c *gin.Context) {
	err := s.supervisor.Cleanup(c.Request.Context(), c.Param("id"))
	if errors.Is(err, tasks.ErrTaskNotFound) {
		errorResponse(c, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, gin.H{"message": "task cleaned up"})
}

func (s *Server) handleInterruptedTasks(c *gin.Context) {
	interrupted, err := s.supervisor.ListInterrupted(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"tasks": interrupted, "count": len(interrupted)})
}

func (s *Server) handleCleanupAllInterrupted(c *gin.Context) {
	cleaned, err := s.supervisor.CleanupAllInterrupted(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"cleaned": cleaned})
}

func (s *Server) handleRankingsRange(c *gin.Context) {
	start, err := parseTimestamp(c.Query("start"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTimestamp(c.Query("end"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if !end.After(start) {
		errorResponse(c, http.StatusBadRequest, "end must be after start")
		return
	}

	snaps, err := s.store.SnapshotsInRange(c.Request.Context(), start, end)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"snapshots": snaps, "count": len(snaps)})
}

func (s *Server) handleLatestRanking(c *gin.Context) {
	snap, err := s.store.LatestSnapshot(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		errorResponse(c, http.StatusNotFound, "no snapshots stored yet")
		return
	}
	successResponse(c, snap)
}

func (s *Server) handleRankingAt(c *gin.Context) {
	ts, err := parseTimestamp(c.Param("timestamp"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid timestamp: "+err.Error())
		return
	}

	snap, err := s.store.GetSnapshot(c.Request.Context(), ts)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		errorResponse(c, http.StatusNotFound, "no snapshot at that instant")
		return
	}
	successResponse(c, snap)
}

func (s *Server) handleFilterCacheStats(c *gin.Context) {
	stats, err := s.cache.Stats(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, stats)
}

// FilterCacheCleanupRequest bounds the cache purge.
type FilterCacheCleanupRequest struct {
	OlderThanDays int `json:"olderThanDays"`
}

func (s *Server) handleFilterCacheCleanup(c *gin.Context) {
	var req FilterCacheCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	purged, err := s.cache.Cleanup(c.Request.Context(), req.OlderThanDays)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"purged": purged})
}

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if s.health != nil {
		if err := s.health.HealthCheck(c.Request.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "healthy"
	}
	c.JSON(http.StatusOK, status)
}

// parseTimestamp accepts RFC3339 or unix milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, errors.New("expected RFC3339 or unix milliseconds")
}
