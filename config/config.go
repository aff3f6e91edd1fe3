// Package config loads the process configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Binance   BinanceConfig
	Scheduler SchedulerConfig
	SMTP      SMTPConfig
	Logging   LoggingConfig
	Tasks     TasksConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowOrigins   []string
}

// DatabaseConfig holds the postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds the optional hot-cache settings.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// BinanceConfig holds the market feed settings.
type BinanceConfig struct {
	SpotBaseURL    string
	FuturesBaseURL string
	RequestDelay   time.Duration
	KlineCacheSize int
}

// SchedulerConfig holds the catch-up loop settings.
type SchedulerConfig struct {
	Enabled            bool
	RunOffset          time.Duration
	BackfillLookback   time.Duration
	Limit              int
	MinVolumeThreshold float64
	MinHistoryDays     int
	QuoteAsset         string
	GranularityHours   int
}

// SMTPConfig holds the operator notification relay settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	To       string
}

// LoggingConfig holds the zerolog settings.
type LoggingConfig struct {
	Level  string
	Pretty bool
}

// TasksConfig holds task lifecycle settings.
type TasksConfig struct {
	// AutoCleanupInterrupted marks crashed tasks failed at startup instead
	// of leaving them for manual resume.
	AutoCleanupInterrupted bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8080),
			ProductionMode: getEnvBool("PRODUCTION_MODE", false),
			AllowOrigins:   splitNonEmpty(getEnv("CORS_ALLOW_ORIGINS", "")),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "drop_ranking"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Binance: BinanceConfig{
			SpotBaseURL:    getEnv("BINANCE_SPOT_BASE_URL", "https://api.binance.com"),
			FuturesBaseURL: getEnv("BINANCE_FUTURES_BASE_URL", "https://fapi.binance.com"),
			RequestDelay:   getEnvDuration("BINANCE_REQUEST_DELAY", 100*time.Millisecond),
			KlineCacheSize: getEnvInt("BINANCE_KLINE_CACHE_SIZE", 2048),
		},
		Scheduler: SchedulerConfig{
			Enabled:            getEnvBool("SCHEDULER_ENABLED", true),
			RunOffset:          getEnvDuration("SCHEDULER_RUN_OFFSET", 10*time.Minute),
			BackfillLookback:   getEnvDuration("SCHEDULER_BACKFILL_LOOKBACK", 48*time.Hour),
			Limit:              getEnvInt("SCHEDULER_LIMIT", 30),
			MinVolumeThreshold: getEnvFloat("SCHEDULER_MIN_VOLUME", 400000),
			MinHistoryDays:     getEnvInt("SCHEDULER_MIN_HISTORY_DAYS", 365),
			QuoteAsset:         getEnv("SCHEDULER_QUOTE_ASSET", "USDT"),
			GranularityHours:   getEnvInt("SCHEDULER_GRANULARITY_HOURS", 8),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
			FromName: getEnv("SMTP_FROM_NAME", ""),
			To:       getEnv("SMTP_TO", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Pretty: getEnvBool("LOG_PRETTY", false),
		},
		Tasks: TasksConfig{
			AutoCleanupInterrupted: getEnvBool("AUTO_CLEANUP_INTERRUPTED", false),
		},
	}

	if cfg.Database.Host == "" || cfg.Database.Database == "" {
		return nil, fmt.Errorf("DB_HOST and DB_NAME are required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
