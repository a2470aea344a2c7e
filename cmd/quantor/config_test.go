package main

import (
	"testing"
	"time"

	"github.com/quantorhq/quantor/pkg/schema"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if !cfg.Persist {
		t.Error("persistence should default on")
	}
	if cfg.DBPath == "" {
		t.Error("db path should have a default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("QUANTOR_LOG_LEVEL", "debug")
	t.Setenv("QUANTOR_POOL_SIZE", "8")
	t.Setenv("QUANTOR_EXECUTION_TIMEOUT", "45s")
	t.Setenv("QUANTOR_PERSIST", "0")
	t.Setenv("QUANTOR_POOL_SIZE_BOGUS", "x") // unrelated vars ignored

	cfg := loadConfig()
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
	if cfg.PoolSize != 8 {
		t.Errorf("pool size = %d", cfg.PoolSize)
	}
	if duration(cfg.ExecutionTimeout) != 45*time.Second {
		t.Errorf("execution timeout = %q", cfg.ExecutionTimeout)
	}
	if cfg.Persist {
		t.Error("QUANTOR_PERSIST=0 should disable persistence")
	}
}

func TestDurationFallsBackToZero(t *testing.T) {
	if d := duration(""); d != 0 {
		t.Errorf("empty duration = %v", d)
	}
	if d := duration("not a duration"); d != 0 {
		t.Errorf("invalid duration = %v", d)
	}
	if d := duration("90s"); d != 90*time.Second {
		t.Errorf("duration = %v", d)
	}
}

func TestCacheTTLOverrides(t *testing.T) {
	cfg := Config{CacheTTLs: map[string]string{
		"quote":   "15s",
		"chart":   "bogus",
		"unknown": "1m",
	}}

	ttls := cfg.cacheTTLs()
	if got := ttls[schema.TTLClassQuote]; got != 15*time.Second {
		t.Errorf("quote ttl = %v", got)
	}
	if _, ok := ttls[schema.TTLClassChart]; ok {
		t.Error("unparseable ttl should be dropped")
	}
	if len(ttls) != 1 {
		t.Errorf("ttl overrides = %d, want 1", len(ttls))
	}

	if cfg := (Config{}); cfg.cacheTTLs() != nil {
		t.Error("no overrides should yield nil")
	}
}
