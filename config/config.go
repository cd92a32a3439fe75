package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-level settings: file locations and the provider
// request timeout. Scheduling policy (batch size, intervals, CAPM constants)
// is compile-time constant and deliberately not configurable here.
type Config struct {
	DBPath          string
	TickerDBPath    string
	ProviderTimeout time.Duration
	Environment     string
}

var AppConfig *Config

// LoadConfig loads environment variables, falling back to defaults.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := &Config{
		DBPath:          getEnv("DB_PATH", "data/portfolio.db"),
		TickerDBPath:    getEnv("TICKER_DB_PATH", "data/tickers.db"),
		ProviderTimeout: getDurationEnv("PROVIDER_TIMEOUT", 30*time.Second),
		Environment:     getEnv("ENVIRONMENT", "development"),
	}

	AppConfig = config
	return config, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getDurationEnv parses a duration environment variable ("45s", "2m") or
// returns a default value.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Warning: invalid %s value %q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return d
}
