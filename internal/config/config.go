// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration. Load it once at startup.
type Config struct {
	// Port is the HTTP listen port.
	Port string

	// DatabaseURL is the PostgreSQL DSN. Empty selects the in-memory store.
	DatabaseURL string

	// RedisURL enables the price/asset read-through cache when set.
	RedisURL string

	// PriceCacheTTL bounds how long a cached price lookup may be served.
	PriceCacheTTL time.Duration

	// LockTimeout bounds the wait for a portfolio row lock.
	LockTimeout time.Duration

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration

	// MigrateOnStart applies pending schema migrations at boot.
	MigrateOnStart bool

	// LogLevel is one of debug, info, warn, error.
	LogLevel slog.Level

	DB DBConfig
	FX FXConfig
}

// DBConfig is the bounded retry policy for the initial database connection.
type DBConfig struct {
	ConnectAttempts   int
	ConnectBaseDelay  time.Duration
	ConnectMultiplier float64
}

// FXConfig controls exchange-rate refresh.
type FXConfig struct {
	// RefreshInterval is the maximum age of stored rates.
	RefreshInterval time.Duration

	// QuoteURL is the chart endpoint of the quote source.
	QuoteURL string

	// RequestsPerSecond rate-limits calls to the quote source.
	RequestsPerSecond float64
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (*Config, error) {
	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
	}

	var err error
	cfg.PriceCacheTTL, err = getEnvDuration("PRICE_CACHE_TTL", 5*time.Minute)
	collect(err)
	cfg.LockTimeout, err = getEnvDuration("LOCK_TIMEOUT", 5*time.Second)
	collect(err)
	cfg.RequestTimeout, err = getEnvDuration("REQUEST_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.MigrateOnStart, err = getEnvBool("MIGRATE_ON_START", true)
	collect(err)
	cfg.LogLevel, err = getEnvLevel("LOG_LEVEL", slog.LevelInfo)
	collect(err)

	cfg.DB.ConnectAttempts, err = getEnvInt("DB_CONNECT_ATTEMPTS", 5)
	collect(err)
	cfg.DB.ConnectBaseDelay, err = getEnvDuration("DB_CONNECT_BASE_DELAY", 2*time.Second)
	collect(err)
	cfg.DB.ConnectMultiplier, err = getEnvFloat("DB_CONNECT_MULTIPLIER", 2)
	collect(err)

	cfg.FX.RefreshInterval, err = getEnvDuration("FX_REFRESH_INTERVAL", 24*time.Hour)
	collect(err)
	cfg.FX.QuoteURL = getEnv("FX_QUOTE_URL", "https://query2.finance.yahoo.com/v8/finance/chart")
	cfg.FX.RequestsPerSecond, err = getEnvFloat("FX_REQUESTS_PER_SECOND", 2)
	collect(err)

	if cfg.DB.ConnectAttempts < 1 {
		errs = append(errs, "DB_CONNECT_ATTEMPTS must be at least 1")
	}
	if cfg.DB.ConnectMultiplier < 1 {
		errs = append(errs, "DB_CONNECT_MULTIPLIER must be at least 1")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, value)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, value)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", key, value)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: %q is not a positive duration", key, value)
	}
	return d, nil
}

func getEnvLevel(key string, defaultValue slog.Level) (slog.Level, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("%s: %q is not a log level", key, value)
	}
	return level, nil
}
