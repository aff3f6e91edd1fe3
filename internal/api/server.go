// Package api exposes the backtest system over HTTP: backtest dispatch,
// task lifecycle, ranking reads and filter-cache maintenance.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"binance-drop-ranking/internal/filter"
	"binance-drop-ranking/internal/ranking"
	"binance-drop-ranking/internal/tasks"
)

// HealthChecker reports storage liveness for the health endpoint.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowOrigins   []string
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     ServerConfig

	engine     *ranking.Engine
	store      ranking.SnapshotStore
	supervisor *tasks.Supervisor
	cache      *filter.Cache
	health     HealthChecker
	logger     zerolog.Logger
}

// NewServer wires the router. health may be nil when no durable store is
// attached.
func NewServer(
	config ServerConfig,
	engine *ranking.Engine,
	store ranking.SnapshotStore,
	supervisor *tasks.Supervisor,
	cache *filter.Cache,
	health HealthChecker,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:     router,
		config:     config,
		engine:     engine,
		store:      store,
		supervisor: supervisor,
		cache:      cache,
		health:     health,
		logger:     logger.With().Str("component", "api").Logger(),
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.POST("/backtest", s.handleBacktest)

		api.GET("/backtest/tasks/:id", s.handleTaskProgress)
		api.POST("/backtest/tasks/:id/cancel", s.handleTaskCancel)
		api.POST("/backtest/tasks/:id/resume", s.handleTaskResume)
		api.POST("/backtest/tasks/:id/cleanup", s.handleTaskCleanup)
		api.GET("/backtest/interrupted", s.handleInterruptedTasks)
		api.POST("/backtest/interrupted/cleanup", s.handleCleanupAllInterrupted)

		api.GET("/rankings", s.handleRankingsRange)
		api.GET("/rankings/latest", s.handleLatestRanking)
		api.GET("/rankings/:timestamp", s.handleRankingAt)

		api.GET("/filter-cache/stats", s.handleFilterCacheStats)
		api.POST("/filter-cache/cleanup", s.handleFilterCacheCleanup)
	}
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
