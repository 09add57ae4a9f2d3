// Package config reads runtime configuration from an optional YAML file
// and the environment. Environment variables override file values.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig carries everything the runtime needs to assemble an engine
// and serve the dispatch protocol.
type AppConfig struct {
	// Amap provider credentials and tuning.
	AmapKey        string        `yaml:"amap_key"`
	AmapBaseURL    string        `yaml:"amap_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	MaxConcurrency int           `yaml:"max_concurrency"`

	// Snapshot cache sizing.
	LiveTTL         time.Duration `yaml:"live_ttl"`
	ForecastTTL     time.Duration `yaml:"forecast_ttl"`
	CacheMaxEntries int           `yaml:"cache_max_entries"`

	// Resolver and forecast limits.
	SearchLimit         int    `yaml:"search_limit"`
	ForecastDefaultDays int    `yaml:"forecast_default_days"`
	ForecastMaxDays     int    `yaml:"forecast_max_days"`
	CityDataPath        string `yaml:"city_data_path"`

	// Optional prometheus scrape endpoint; empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// Event bus sizing.
	EventBusBufferSize  int `yaml:"event_bus_buffer_size"`
	EventBusWorkerCount int `yaml:"event_bus_worker_count"`
}

func defaults() *AppConfig {
	return &AppConfig{
		RequestTimeout:      30 * time.Second,
		MaxRetries:          3,
		RetryBaseDelay:      time.Second,
		MaxConcurrency:      5,
		LiveTTL:             10 * time.Minute,
		ForecastTTL:         time.Hour,
		CacheMaxEntries:     1000,
		SearchLimit:         10,
		ForecastDefaultDays: 3,
		ForecastMaxDays:     7,
		EventBusBufferSize:  100,
		EventBusWorkerCount: 5,
	}
}

// Load reads configuration with sensible defaults: YAML file first when
// WEATHERFLOW_CONFIG points at one, then environment overrides.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := defaults()

	if path := os.Getenv("WEATHERFLOW_CONFIG"); path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.AmapKey = getenvDefault("AMAP_API_KEY", cfg.AmapKey)
	cfg.AmapBaseURL = getenvDefault("AMAP_BASE_URL", cfg.AmapBaseURL)
	cfg.CityDataPath = getenvDefault("CITY_DATA_PATH", cfg.CityDataPath)
	cfg.MetricsAddr = getenvDefault("METRICS_ADDR", cfg.MetricsAddr)

	var err error
	if cfg.RequestTimeout, err = getenvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}
	if cfg.RetryBaseDelay, err = getenvDuration("RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return nil, err
	}
	if cfg.LiveTTL, err = getenvDuration("LIVE_TTL", cfg.LiveTTL); err != nil {
		return nil, err
	}
	if cfg.ForecastTTL, err = getenvDuration("FORECAST_TTL", cfg.ForecastTTL); err != nil {
		return nil, err
	}

	cfg.MaxRetries = getenvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxConcurrency = getenvInt("MAX_CONCURRENCY", cfg.MaxConcurrency)
	cfg.CacheMaxEntries = getenvInt("CACHE_MAX_ENTRIES", cfg.CacheMaxEntries)
	cfg.SearchLimit = getenvInt("SEARCH_LIMIT", cfg.SearchLimit)
	cfg.ForecastDefaultDays = getenvInt("FORECAST_DEFAULT_DAYS", cfg.ForecastDefaultDays)
	cfg.ForecastMaxDays = getenvInt("FORECAST_MAX_DAYS", cfg.ForecastMaxDays)
	cfg.EventBusBufferSize = getenvInt("EVENT_BUS_BUFFER_SIZE", cfg.EventBusBufferSize)
	cfg.EventBusWorkerCount = getenvInt("EVENT_BUS_WORKER_COUNT", cfg.EventBusWorkerCount)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	if c.AmapKey == "" {
		return fmt.Errorf("AMAP_API_KEY is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.ForecastDefaultDays < 1 || c.ForecastDefaultDays > c.ForecastMaxDays {
		return fmt.Errorf("FORECAST_DEFAULT_DAYS %d is outside 1..%d", c.ForecastDefaultDays, c.ForecastMaxDays)
	}
	return nil
}

func loadFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
