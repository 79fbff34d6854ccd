package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
// All environment variables are read here and nowhere else.
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Record store
	Store StoreConfig

	// Redis
	Redis RedisConfig

	// External providers
	QuantData QuantDataConfig
	Scorer    ScorerConfig

	// Reconciliation
	Predict PredictConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Backend is either "sqlite" or "postgres".
	Backend    string
	SQLitePath string

	// PostgreSQL
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// QuantDataConfig holds the quant data service (trading calendar and
// price/feature series) configuration.
type QuantDataConfig struct {
	BaseURL string
	// RateLimit is the maximum requests per second against the data service.
	RateLimit int
}

// ScorerConfig holds the model scoring service configuration.
type ScorerConfig struct {
	BaseURL string
	Timeout time.Duration
	// RateLimitPerMin caps scoring calls per minute when Redis is enabled.
	RateLimitPerMin int
}

// PredictConfig holds reconciliation tunables.
type PredictConfig struct {
	// StartDate is the first date predictions are supported for.
	StartDate string
	// BatchSize is the number of instruments sent to the scorer per call.
	BatchSize int
	// Workers bounds the number of in-flight scorer calls.
	Workers int
	// HorizonDays is the forecast horizon in calendar days.
	HorizonDays int
}

// Load reads configuration from environment variables.
// This is the only function that calls os.Getenv().
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port: getEnv("PORT", "8089"),
		Env:  getEnv("ENV", "development"),

		Store: StoreConfig{
			Backend:         getEnv("STORE_BACKEND", "sqlite"),
			SQLitePath:      getEnv("SQLITE_PATH", defaultSQLitePath()),
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		QuantData: QuantDataConfig{
			BaseURL:   getEnv("QUANTDATA_BASE_URL", "http://localhost:9710"),
			RateLimit: getEnvAsInt("QUANTDATA_RATE_LIMIT", 20),
		},

		Scorer: ScorerConfig{
			BaseURL:         getEnv("SCORER_BASE_URL", "http://localhost:9720"),
			Timeout:         getEnvAsDuration("SCORER_TIMEOUT", "120s"),
			RateLimitPerMin: getEnvAsInt("SCORER_RATE_LIMIT_PER_MIN", 60),
		},

		Predict: PredictConfig{
			StartDate:   getEnv("PREDICT_START_DATE", "2022-01-01"),
			BatchSize:   getEnvAsInt("PREDICT_BATCH_SIZE", 200),
			Workers:     getEnvAsInt("PREDICT_WORKERS", 8),
			HorizonDays: getEnvAsInt("PREDICT_HORIZON_DAYS", 14),
		},

		LogLevel:  getEnv("LOG_LEVEL", "debug"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set.
func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of: sqlite, postgres")
	}

	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if _, err := time.Parse("2006-01-02", c.Predict.StartDate); err != nil {
		return fmt.Errorf("PREDICT_START_DATE must be YYYY-MM-DD: %w", err)
	}

	if c.Predict.BatchSize <= 0 {
		return fmt.Errorf("PREDICT_BATCH_SIZE must be positive")
	}
	if c.Predict.Workers <= 0 {
		return fmt.Errorf("PREDICT_WORKERS must be positive")
	}

	return nil
}

// EpochDate returns the parsed start-of-support date.
func (c *Config) EpochDate() time.Time {
	t, _ := time.Parse("2006-01-02", c.Predict.StartDate)
	return t
}

// Helper functions (private, only used within this file)

func defaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stock.db"
	}
	return filepath.Join(home, ".stock", "stock.db")
}

// loadEnvFile tries to load .env from multiple locations.
func loadEnvFile() {
	paths := []string{
		".env",
		"backend/.env",
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
			filepath.Join(exeDir, "..", "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}
