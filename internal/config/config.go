// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/svetliomitev/miniclouds-sub000/pkg/filemgr"
)

// Config holds the host configuration for the coordination core.
type Config struct {
	// Server
	ServerURL   string
	AuthToken   string
	HTTPTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics ("" disables the endpoint)
	MetricsAddr string

	// Listing
	PageSize int

	// Notifications
	ActionToastTTL       time.Duration
	SearchToastTTL       time.Duration
	SearchSuppressWindow time.Duration

	// Background stats
	StatsPollInterval time.Duration
	WatchSSE          bool

	// Post-render batching
	RenderBatchDelay time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:            strings.TrimSuffix(envOr("MINICLOUDS_URL", ""), "/"),
		AuthToken:            envOr("MINICLOUDS_TOKEN", ""),
		HTTPTimeout:          envDuration("HTTP_TIMEOUT", 30*time.Second),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "console"),
		MetricsAddr:          envOr("METRICS_ADDR", ""),
		PageSize:             envInt("PAGE_SIZE", 20),
		ActionToastTTL:       envDuration("ACTION_TOAST_TTL", 4*time.Second),
		SearchToastTTL:       envDuration("SEARCH_TOAST_TTL", 3*time.Second),
		SearchSuppressWindow: envDuration("SEARCH_SUPPRESS_WINDOW", 1500*time.Millisecond),
		StatsPollInterval:    envDuration("STATS_POLL_INTERVAL", 15*time.Second),
		WatchSSE:             envBool("WATCH_SSE", false),
		RenderBatchDelay:     envDuration("RENDER_BATCH_DELAY", 16*time.Millisecond),
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("MINICLOUDS_URL is required")
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("PAGE_SIZE must be positive, got %d", cfg.PageSize)
	}

	return cfg, nil
}

// ManagerOptions maps the configuration onto the coordination core.
func (c *Config) ManagerOptions() filemgr.Options {
	return filemgr.Options{
		PageSize:             c.PageSize,
		ActionToastTTL:       c.ActionToastTTL,
		SearchToastTTL:       c.SearchToastTTL,
		SearchSuppressWindow: c.SearchSuppressWindow,
		StatsPollInterval:    c.StatsPollInterval,
		WatchSSE:             c.WatchSSE,
		RenderBatchDelay:     c.RenderBatchDelay,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
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
