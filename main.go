package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binance-drop-ranking/config"
	"binance-drop-ranking/internal/api"
	"binance-drop-ranking/internal/binance"
	"binance-drop-ranking/internal/database"
	"binance-drop-ranking/internal/filter"
	"binance-drop-ranking/internal/notify"
	"binance-drop-ranking/internal/ranking"
	"binance-drop-ranking/internal/scheduler"
	"binance-drop-ranking/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("configuration error")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Msg("starting drop-ranking backtest service")

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := db.RunMigrations(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	repo := database.NewRepository(db)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, filter cache runs without hot layer")
			rdb = nil
		}
	}

	feed := binance.NewClient(binance.Config{
		SpotBaseURL:    cfg.Binance.SpotBaseURL,
		FuturesBaseURL: cfg.Binance.FuturesBaseURL,
		RequestDelay:   cfg.Binance.RequestDelay,
		CacheSize:      cfg.Binance.KlineCacheSize,
	}, logger)

	filterCache := filter.NewCache(repo, rdb, logger)
	eligibility := filter.New(feed, filter.Config{Concurrency: 8, RequestDelay: cfg.Binance.RequestDelay}, logger)
	engine := ranking.NewEngine(feed, repo, filterCache, eligibility, logger)
	supervisor := tasks.NewSupervisor(repo, engine, logger)

	reportInterrupted(cfg.Tasks, supervisor, logger)

	enricher := ranking.NewFundingEnricher(feed, logger)
	backfill := ranking.NewFundingBackfill(feed, repo, enricher, logger)
	mailer := notify.NewMailer(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
		To:       cfg.SMTP.To,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(repo, supervisor, backfill, mailer, scheduler.Config{
			RunOffset:          cfg.Scheduler.RunOffset,
			BackfillLookback:   cfg.Scheduler.BackfillLookback,
			Limit:              cfg.Scheduler.Limit,
			MinVolumeThreshold: cfg.Scheduler.MinVolumeThreshold,
			MinHistoryDays:     cfg.Scheduler.MinHistoryDays,
			QuoteAsset:         cfg.Scheduler.QuoteAsset,
			GranularityHours:   cfg.Scheduler.GranularityHours,
		}, logger)
		go sched.Start(ctx)
	}

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ProductionMode: cfg.Server.ProductionMode,
		AllowOrigins:   cfg.Server.AllowOrigins,
	}, engine, repo, supervisor, filterCache, db, logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("http server failed")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}

	// Running tasks checkpoint every period, so a resume after restart loses
	// at most one period of work.
	supervisor.Wait()
	logger.Info().Msg("shutdown complete")
}

// reportInterrupted surfaces tasks left in running state by a previous
// process, and optionally fails them outright.
func reportInterrupted(cfg config.TasksConfig, supervisor *tasks.Supervisor, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	interrupted, err := supervisor.ListInterrupted(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to scan for interrupted tasks")
		return
	}
	if len(interrupted) == 0 {
		return
	}

	for _, task := range interrupted {
		evt := logger.Warn().Str("task_id", task.TaskID)
		if task.CurrentTime != nil {
			evt = evt.Time("checkpoint", *task.CurrentTime)
		}
		evt.Msg("found interrupted task from previous run")
	}

	if cfg.AutoCleanupInterrupted {
		cleaned, err := supervisor.CleanupAllInterrupted(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("interrupted-task cleanup failed")
			return
		}
		logger.Info().Int("cleaned", cleaned).Msg("interrupted tasks marked failed")
	} else {
		logger.Info().Int("count", len(interrupted)).
			Msg("resume interrupted tasks via POST /api/backtest/tasks/:id/resume")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
