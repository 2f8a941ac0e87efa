// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all shotsync daemon configuration.
type Config struct {
	// Metrics
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Endpoint definitions (JSON file, decrypted credentials supplied upstream)
	EndpointsFile string

	// Structure cache
	CacheTTL time.Duration

	// Sync execution
	JobWorkers       int
	TransferWorkers  int
	ProgressInterval time.Duration

	// Project roots
	RemoteRoot string
	LocalRoot  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		MetricsAddr:      envOr("METRICS_ADDR", ":9090"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		LogFormat:        envOr("LOG_FORMAT", "json"),
		DatabaseURL:      envOr("DATABASE_URL", ""),
		EndpointsFile:    envOr("ENDPOINTS_FILE", ""),
		CacheTTL:         envDuration("CACHE_TTL", 24*time.Hour),
		JobWorkers:       envInt("JOB_WORKERS", 2),
		TransferWorkers:  envInt("TRANSFER_WORKERS", 4),
		ProgressInterval: envDuration("PROGRESS_INTERVAL", 2*time.Second),
		RemoteRoot:       envOr("REMOTE_ROOT", "/"),
		LocalRoot:        envOr("LOCAL_ROOT", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.LocalRoot == "" {
		return nil, fmt.Errorf("LOCAL_ROOT is required")
	}
	if cfg.JobWorkers < 1 {
		cfg.JobWorkers = 1
	}
	if cfg.TransferWorkers < 1 {
		cfg.TransferWorkers = 1
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
