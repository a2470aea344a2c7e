package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/quantorhq/quantor/pkg/schema"
)

// Config holds all quantor runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string `json:"db_path"`
	LogLevel         string `json:"log_level"`
	PoolSize         int    `json:"pool_size"`
	ExecutionTimeout string `json:"execution_timeout"`
	QueueTimeout     string `json:"queue_timeout"`
	HistorySize      int    `json:"history_size"`
	CacheCapacity    int    `json:"cache_capacity"`
	// CacheTTLs overrides per-class cache lifetimes, e.g. {"quote": "15s"}.
	CacheTTLs    map[string]string `json:"cache_ttls"`
	JobRetention string            `json:"job_retention"`
	ReapInterval string            `json:"reap_interval"`
	BatchFanOut  int               `json:"batch_fan_out"`
	// Persist disables the store entirely when false; everything stays
	// in memory.
	Persist bool `json:"persist"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(quantorDir(), "quantor.db"),
		LogLevel: "info",
		Persist:  true,
	}
}

func quantorDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quantor"
	}
	return filepath.Join(home, ".quantor")
}

func settingsPath() string {
	return filepath.Join(quantorDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("QUANTOR_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("QUANTOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUANTOR_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("QUANTOR_EXECUTION_TIMEOUT"); v != "" {
		cfg.ExecutionTimeout = v
	}
	if v := os.Getenv("QUANTOR_QUEUE_TIMEOUT"); v != "" {
		cfg.QueueTimeout = v
	}
	if v := os.Getenv("QUANTOR_HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistorySize = n
		}
	}
	if v := os.Getenv("QUANTOR_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CacheCapacity = n
		}
	}
	if v := os.Getenv("QUANTOR_JOB_RETENTION"); v != "" {
		cfg.JobRetention = v
	}
	if v := os.Getenv("QUANTOR_REAP_INTERVAL"); v != "" {
		cfg.ReapInterval = v
	}
	if v := os.Getenv("QUANTOR_BATCH_FAN_OUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchFanOut = n
		}
	}
	if v := os.Getenv("QUANTOR_PERSIST"); v != "" {
		cfg.Persist = v == "true" || v == "1"
	}

	return cfg
}

// duration parses a config duration string, falling back to zero so the
// component's own default applies.
func duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// cacheTTLs converts the config's class → duration strings into the cache's
// typed map. Unknown classes and unparseable durations are dropped.
func (c Config) cacheTTLs() map[schema.TTLClass]time.Duration {
	if len(c.CacheTTLs) == 0 {
		return nil
	}
	known := map[string]schema.TTLClass{
		string(schema.TTLClassQuote):     schema.TTLClassQuote,
		string(schema.TTLClassChart):     schema.TTLClassChart,
		string(schema.TTLClassExpensive): schema.TTLClassExpensive,
		string(schema.TTLClassMedium):    schema.TTLClassMedium,
		string(schema.TTLClassDefault):   schema.TTLClassDefault,
	}
	out := make(map[schema.TTLClass]time.Duration)
	for name, raw := range c.CacheTTLs {
		class, ok := known[name]
		if !ok {
			continue
		}
		if d := duration(raw); d > 0 {
			out[class] = d
		}
	}
	return out
}
