// Package config loads the engine's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the engine configuration.
type Config struct {
	DataDir  string // base directory for databases and archive staging, always absolute
	Port     int
	LogLevel string
	DevMode  bool

	// Calculation capacity
	NodeCount   int // in-process calculation nodes
	MaxJobItems int // invocations per dispatched job

	// MarketIdentifiers lists the primitive identifiers the standard
	// function library is registered for.
	MarketIdentifiers []string

	// Remote nodes
	CoordinatorURL string // set on satellite nodes; empty runs local-only

	// Cache spill and maintenance
	SpillCache     bool          // back cycle caches with SQLite instead of memory
	CacheTTL       time.Duration // idle cycles older than this are reaped
	ResultsHistory time.Duration // result rows older than this are purged

	Archive ArchiveConfig
}

// ArchiveConfig holds object-storage settings for result archives.
type ArchiveConfig struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Retention       time.Duration
}

// Load reads configuration from environment variables, consulting a .env
// file when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("OGP_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		Port:              getEnvAsInt("OGP_PORT", 8090),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		NodeCount:         getEnvAsInt("OGP_NODE_COUNT", 4),
		MaxJobItems:       getEnvAsInt("OGP_MAX_JOB_ITEMS", 16),
		MarketIdentifiers: getEnvAsSlice("OGP_MARKET_IDENTIFIERS", []string{"USD", "EUR", "GBP", "JPY"}),
		CoordinatorURL:    getEnv("OGP_COORDINATOR_URL", ""),
		SpillCache:        getEnvAsBool("OGP_SPILL_CACHE", false),
		CacheTTL:          getEnvAsDuration("OGP_CACHE_TTL", time.Hour),
		ResultsHistory:    getEnvAsDuration("OGP_RESULTS_HISTORY", 7*24*time.Hour),
		Archive: ArchiveConfig{
			Enabled:         getEnvAsBool("OGP_ARCHIVE_ENABLED", false),
			Endpoint:        getEnv("OGP_ARCHIVE_ENDPOINT", ""),
			Region:          getEnv("OGP_ARCHIVE_REGION", "auto"),
			Bucket:          getEnv("OGP_ARCHIVE_BUCKET", ""),
			AccessKeyID:     getEnv("OGP_ARCHIVE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("OGP_ARCHIVE_SECRET_ACCESS_KEY", ""),
			Retention:       getEnvAsDuration("OGP_ARCHIVE_RETENTION", 30*24*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for inconsistent settings.
func (c *Config) Validate() error {
	if c.NodeCount < 1 {
		return fmt.Errorf("node count must be at least 1, got %d", c.NodeCount)
	}
	if c.MaxJobItems < 1 {
		return fmt.Errorf("max job items must be at least 1, got %d", c.MaxJobItems)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive enabled but no bucket configured")
	}
	return nil
}

// ViewcacheDBPath returns the spill cache database location.
func (c *Config) ViewcacheDBPath() string {
	return filepath.Join(c.DataDir, "viewcache.db")
}

// ResultsDBPath returns the results database location.
func (c *Config) ResultsDBPath() string {
	return filepath.Join(c.DataDir, "results.db")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
