package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.OpenFinance.Resources.Batch.Size != 100 {
		t.Fatalf("default batch size: %d", cfg.OpenFinance.Resources.Batch.Size)
	}
	if cfg.OpenFinance.Resources.Adaptive.Interval.Min != 10*time.Second {
		t.Fatalf("default interval floor: %v", cfg.OpenFinance.Resources.Adaptive.Interval.Min)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.OpenFinance.Resources.Batch.MaxSize != 1000 {
		t.Fatalf("defaults not applied: %+v", cfg.OpenFinance.Resources.Batch)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
openfinance:
  resources:
    batch:
      size: 250
      max-size: 800
  scheduler:
    retry:
      max-attempts: 5
redis:
  enabled: true
  addr: "redis.internal:6379"
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OpenFinance.Resources.Batch.Size != 250 || cfg.OpenFinance.Resources.Batch.MaxSize != 800 {
		t.Fatalf("batch overrides lost: %+v", cfg.OpenFinance.Resources.Batch)
	}
	if cfg.OpenFinance.Scheduler.Retry.MaxAttempts != 5 {
		t.Fatalf("retry override lost: %d", cfg.OpenFinance.Scheduler.Retry.MaxAttempts)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("redis overrides lost: %+v", cfg.Redis)
	}
	// Untouched sections keep their defaults.
	if cfg.OpenFinance.Resources.Adaptive.CPUThreshold != 0.80 {
		t.Fatalf("unrelated default clobbered: %v", cfg.OpenFinance.Resources.Adaptive.CPUThreshold)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.OpenFinance.Resources.Adaptive.CPUThreshold = 1.5 },
		func(c *Config) { c.OpenFinance.Resources.Adaptive.MemoryThreshold = 0 },
		func(c *Config) { c.OpenFinance.Resources.Adaptive.Interval.Max = time.Second },
		func(c *Config) { c.OpenFinance.Resources.Batch.MinSize = 0 },
		func(c *Config) { c.OpenFinance.Resources.Batch.MaxSize = 10 },
		func(c *Config) { c.OpenFinance.Resources.Batch.MinConcurrent = 0 },
		func(c *Config) { c.OpenFinance.Scheduler.Retry.MaxAttempts = -1 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: invalid config accepted", i)
		}
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
openfinance:
  resources:
    adaptive:
      cpu-threshold: 7.5
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config must be rejected at load time")
	}
}
