// Package config loads the sync engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the configuration for the sync engine
type Config struct {
	// Directory holding the local databases and logs
	DataDir string
	// SQLite file backing the durable checkpoint queue
	SQLitePath string
	// bbolt file backing the always-available key-value tier
	KVPath string
	// Postgres DSN of the remote progress service; empty means no remote
	RemoteDSN string

	// Quiet period before a checkpoint is pushed to the remote service
	DebounceInterval time.Duration
	// How often the background driver retries the offline queue
	SyncInterval time.Duration
	// Maximum queue entries attempted per retry pass
	BatchSize int
	// Attempts before a queue entry is abandoned
	MaxRetries int
	// Delay between regaining connectivity and the catch-up sync
	OnlineSettleDelay time.Duration
	// Backoff window bounds for queue retries
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Failed remote writes are queued only when enabled
	EnableOfflineQueue bool

	// Connectivity probe target and polling period
	ProbeURL      string
	ProbeInterval time.Duration

	LogFile     string
	LogLevel    string
	MetricsAddr string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := "data"
	return &Config{
		DataDir:            dataDir,
		SQLitePath:         filepath.Join(dataDir, "lessonsync.db"),
		KVPath:             filepath.Join(dataDir, "progress.db"),
		DebounceInterval:   50 * time.Millisecond,
		SyncInterval:       5 * time.Minute,
		BatchSize:          10,
		MaxRetries:         5,
		OnlineSettleDelay:  time.Second,
		BackoffBase:        time.Second,
		BackoffCap:         30 * time.Second,
		EnableOfflineQueue: true,
		ProbeURL:           "https://www.google.com/generate_204",
		ProbeInterval:      30 * time.Second,
		LogLevel:           "info",
	}
}

// Load reads a .env file if present and then applies environment overrides
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from defaults plus LESSONSYNC_* environment variables
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if dir := os.Getenv("LESSONSYNC_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
		cfg.SQLitePath = filepath.Join(dir, "lessonsync.db")
		cfg.KVPath = filepath.Join(dir, "progress.db")
	}
	setString(&cfg.SQLitePath, "LESSONSYNC_SQLITE_PATH")
	setString(&cfg.KVPath, "LESSONSYNC_KV_PATH")
	setString(&cfg.RemoteDSN, "LESSONSYNC_REMOTE_DSN")
	setString(&cfg.ProbeURL, "LESSONSYNC_PROBE_URL")
	setString(&cfg.LogFile, "LESSONSYNC_LOG_FILE")
	setString(&cfg.LogLevel, "LESSONSYNC_LOG_LEVEL")
	setString(&cfg.MetricsAddr, "LESSONSYNC_METRICS_ADDR")

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&cfg.DebounceInterval, "LESSONSYNC_DEBOUNCE"},
		{&cfg.SyncInterval, "LESSONSYNC_SYNC_INTERVAL"},
		{&cfg.OnlineSettleDelay, "LESSONSYNC_ONLINE_SETTLE"},
		{&cfg.ProbeInterval, "LESSONSYNC_PROBE_INTERVAL"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.key); err != nil {
			return nil, err
		}
	}

	if err := setInt(&cfg.BatchSize, "LESSONSYNC_BATCH_SIZE"); err != nil {
		return nil, err
	}
	if err := setInt(&cfg.MaxRetries, "LESSONSYNC_MAX_RETRIES"); err != nil {
		return nil, err
	}
	if v := os.Getenv("LESSONSYNC_OFFLINE_QUEUE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid LESSONSYNC_OFFLINE_QUEUE %q: %w", v, err)
		}
		cfg.EnableOfflineQueue = b
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with
func (c *Config) Validate() error {
	if c.DebounceInterval < 0 {
		return fmt.Errorf("debounce interval must not be negative")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("invalid backoff bounds %s..%s", c.BackoffBase, c.BackoffCap)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}
