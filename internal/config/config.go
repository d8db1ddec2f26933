package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the processing core. The YAML
// layout mirrors the documented openfinance.* option tree.
type Config struct {
	OpenFinance OpenFinance `yaml:"openfinance"`
	Client      Client      `yaml:"client"`
	Redis       Redis       `yaml:"redis"`
	Server      Server      `yaml:"server"`
}

type OpenFinance struct {
	Resources Resources `yaml:"resources"`
	Scheduler Scheduler `yaml:"scheduler"`
}

type Resources struct {
	// Enabled is the master switch for the processing core.
	Enabled  bool     `yaml:"enabled"`
	Adaptive Adaptive `yaml:"adaptive"`
	Batch    Batch    `yaml:"batch"`
}

type Adaptive struct {
	MemoryThreshold float64  `yaml:"memory-threshold"`
	CPUThreshold    float64  `yaml:"cpu-threshold"`
	CPULow          float64  `yaml:"cpu-low"`
	MemoryLow       float64  `yaml:"memory-low"`
	Interval        Interval `yaml:"interval"`
	// WindowWeightNew is the weight given to a new sample in the telemetry
	// moving averages.
	WindowWeightNew float64 `yaml:"window-weight-new"`
}

type Interval struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

type Batch struct {
	Size           int `yaml:"size"`
	MinSize        int `yaml:"min-size"`
	MaxSize        int `yaml:"max-size"`
	MaxConcurrent  int `yaml:"max-concurrent"`
	MinConcurrent  int `yaml:"min-concurrent"`
	ParallelFactor int `yaml:"parallel-factor"`
}

type Scheduler struct {
	Enabled      bool          `yaml:"enabled"`
	StartupDelay time.Duration `yaml:"startup-delay"`
	Backup       Backup        `yaml:"backup"`
	Batch        BatchInit     `yaml:"batch"`
	Retry        Retry         `yaml:"retry"`
	Timeout      Timeouts      `yaml:"timeout"`
}

type Backup struct {
	Interval time.Duration `yaml:"interval"`
}

type BatchInit struct {
	Size          int `yaml:"size"`
	MaxConcurrent int `yaml:"max-concurrent"`
}

type Retry struct {
	MaxAttempts int `yaml:"max-attempts"`
}

type Timeouts struct {
	Task  time.Duration `yaml:"task"`
	Batch time.Duration `yaml:"batch"`
}

type Client struct {
	BaseURL        string        `yaml:"base-url"`
	Timeout        time.Duration `yaml:"timeout"`
	RatePerSecond  float64       `yaml:"rate-per-second"`
	RateBurst      int           `yaml:"rate-burst"`
	DirectoryURL   string        `yaml:"directory-url"`
	CustomerAgent  string        `yaml:"customer-agent"`
	ForwardedProxy string        `yaml:"forwarded-proxy"`
}

type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Server struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns the documented defaults for every option.
func Default() Config {
	return Config{
		OpenFinance: OpenFinance{
			Resources: Resources{
				Enabled: true,
				Adaptive: Adaptive{
					MemoryThreshold: 0.85,
					CPUThreshold:    0.80,
					CPULow:          0.40,
					MemoryLow:       0.50,
					Interval: Interval{
						Min: 10 * time.Second,
						Max: 120 * time.Second,
					},
					WindowWeightNew: 0.2,
				},
				Batch: Batch{
					Size:           100,
					MinSize:        50,
					MaxSize:        1000,
					MaxConcurrent:  500,
					MinConcurrent:  10,
					ParallelFactor: 4,
				},
			},
			Scheduler: Scheduler{
				Enabled:      true,
				StartupDelay: 5 * time.Second,
				Backup:       Backup{Interval: 60 * time.Second},
				Batch:        BatchInit{Size: 100, MaxConcurrent: 10},
				Retry:        Retry{MaxAttempts: 3},
				Timeout: Timeouts{
					Task:  30 * time.Second,
					Batch: 5 * time.Minute,
				},
			},
		},
		Client: Client{
			Timeout:       30 * time.Second,
			RatePerSecond: 200,
			RateBurst:     400,
			CustomerAgent: "ofcore/1.0",
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Server: Server{
			Enabled: true,
			Port:    8080,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the adaptive controller cannot honor.
func (c Config) Validate() error {
	a := c.OpenFinance.Resources.Adaptive
	b := c.OpenFinance.Resources.Batch
	switch {
	case a.CPUThreshold <= 0 || a.CPUThreshold > 1:
		return fmt.Errorf("adaptive cpu-threshold must be in (0,1], got %v", a.CPUThreshold)
	case a.MemoryThreshold <= 0 || a.MemoryThreshold > 1:
		return fmt.Errorf("adaptive memory-threshold must be in (0,1], got %v", a.MemoryThreshold)
	case a.Interval.Min <= 0 || a.Interval.Max < a.Interval.Min:
		return fmt.Errorf("adaptive interval bounds invalid: min=%v max=%v", a.Interval.Min, a.Interval.Max)
	case b.MinSize <= 0 || b.MaxSize < b.MinSize:
		return fmt.Errorf("batch size bounds invalid: min=%d max=%d", b.MinSize, b.MaxSize)
	case b.MinConcurrent <= 0 || b.MaxConcurrent < b.MinConcurrent:
		return fmt.Errorf("concurrency bounds invalid: min=%d max=%d", b.MinConcurrent, b.MaxConcurrent)
	case c.OpenFinance.Scheduler.Retry.MaxAttempts < 0:
		return fmt.Errorf("retry max-attempts must be >= 0")
	}
	return nil
}
