package logger

import (
	"os"
	"strconv"
	"strings"
)

// NewFromEnv creates a logger configured from environment variables.
func NewFromEnv() (Logger, error) {
	return NewZapLogger(configFromEnv())
}

// NewWithComponent creates a logger with a component field pre-set.
func NewWithComponent(component string) (Logger, error) {
	l, err := NewZapLogger(configFromEnv())
	if err != nil {
		return nil, err
	}
	return l.With(Field{Key: "component", Value: component}), nil
}

func configFromEnv() Config {
	cfg := DefaultConfig()

	if strings.ToLower(os.Getenv("OFCORE_ENV")) != "production" {
		cfg = DevelopmentConfig()
	}

	if level := os.Getenv("OFCORE_LOG_LEVEL"); level != "" {
		cfg.Level = level
	}
	if format := os.Getenv("OFCORE_LOG_FORMAT"); format != "" {
		cfg.Format = format
	}
	if sampling := os.Getenv("OFCORE_LOG_SAMPLING"); sampling != "" {
		cfg.EnableSampling = strings.ToLower(sampling) == "true"
	}
	if initial := os.Getenv("OFCORE_LOG_SAMPLE_INITIAL"); initial != "" {
		if val, err := strconv.Atoi(initial); err == nil {
			cfg.SampleInitial = val
		}
	}
	if thereafter := os.Getenv("OFCORE_LOG_SAMPLE_THEREAFTER"); thereafter != "" {
		if val, err := strconv.Atoi(thereafter); err == nil {
			cfg.SampleThereafter = val
		}
	}
	if dev := os.Getenv("OFCORE_LOG_DEVELOPMENT"); dev != "" {
		cfg.Development = strings.ToLower(dev) == "true"
	}

	return cfg
}
