package logger

// Config defines logging configuration.
type Config struct {
	Level            string `yaml:"level" env:"OFCORE_LOG_LEVEL"`
	Format           string `yaml:"format" env:"OFCORE_LOG_FORMAT"` // json or console
	EnableSampling   bool   `yaml:"enable_sampling" env:"OFCORE_LOG_SAMPLING"`
	SampleInitial    int    `yaml:"sample_initial" env:"OFCORE_LOG_SAMPLE_INITIAL"`
	SampleThereafter int    `yaml:"sample_thereafter" env:"OFCORE_LOG_SAMPLE_THEREAFTER"`
	Development      bool   `yaml:"development" env:"OFCORE_LOG_DEVELOPMENT"`
}

// DefaultConfig returns production defaults. Sampling keeps the per-item
// pipeline logs from flooding the sink under full batch load.
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "json",
		EnableSampling:   true,
		SampleInitial:    100,
		SampleThereafter: 1000,
	}
}

// DevelopmentConfig returns console-friendly defaults.
func DevelopmentConfig() Config {
	return Config{
		Level:       "debug",
		Format:      "console",
		Development: true,
	}
}
