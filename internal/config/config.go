// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/retrograde/internal/prng"
	"github.com/aristath/retrograde/internal/simclock"
)

// Config holds application configuration.
type Config struct {
	DataDir   string // base directory for the sqlite stores, always absolute
	Port      int
	LogLevel  string
	DevMode   bool
	Seed      uint64    // savegame seed; constant within one savegame
	StartAt   time.Time // simulated instant a fresh savegame begins at
	StartCash int64     // starting cash in cents for a fresh account

	Backup *BackupConfig
}

// BackupConfig holds the S3-compatible savegame backup settings. Backups
// are disabled when the bucket is empty.
type BackupConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Enabled reports whether backups are configured.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Bucket != ""
}

// Load reads configuration from environment variables, with a .env file as
// fallback when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("RETRO_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	startAt, err := parseStartDate(getEnv("RETRO_START_DATE", "1970-01-02"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("PORT", 8001),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		Seed:      getEnvAsUint64("RETRO_SEED", prng.DefaultGlobalSeed),
		StartAt:   startAt,
		StartCash: getEnvAsInt64("RETRO_START_CASH_CENTS", 1_000_000), // $10,000
		Backup: &BackupConfig{
			Bucket:          getEnv("BACKUP_S3_BUCKET", ""),
			Endpoint:        getEnv("BACKUP_S3_ENDPOINT", ""),
			Region:          getEnv("BACKUP_S3_REGION", "auto"),
			AccessKeyID:     getEnv("BACKUP_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_S3_SECRET_ACCESS_KEY", ""),
			Prefix:          getEnv("BACKUP_S3_PREFIX", "savegames"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required configuration.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.StartCash < 0 {
		return fmt.Errorf("starting cash must not be negative")
	}
	return nil
}

// parseStartDate interprets a YYYY-MM-DD start date at market open in the
// simulation timezone.
func parseStartDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", s, simclock.Eastern)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse start date %q: %w", s, err)
	}
	return d.Add(9*time.Hour + 30*time.Minute), nil
}

// Helper functions
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

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseUint(value, 0, 64); err == nil {
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
