package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. DATABENCH_HTTP_ADDR.
const Prefix = "DATABENCH"

// Config holds the broker configuration.
type Config struct {
	// BusAddr is where kernels reach the bus. Port 0 picks an ephemeral port.
	BusAddr string `envconfig:"BUS_ADDR" default:"127.0.0.1:0"`
	// HTTPAddr serves the browser sessions and metrics.
	HTTPAddr string `envconfig:"HTTP_ADDR" default:"127.0.0.1:5000"`

	AnalysesDirs []string `envconfig:"ANALYSES_DIRS" default:"analyses,databench/analyses_packaged"`

	ReadyTimeout  time.Duration `envconfig:"READY_TIMEOUT" default:"10s"`
	DetachTimeout time.Duration `envconfig:"DETACH_TIMEOUT" default:"5s"`
	ActionTimeout time.Duration `envconfig:"ACTION_TIMEOUT" default:"2m"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		BusAddr:       "127.0.0.1:0",
		HTTPAddr:      "127.0.0.1:5000",
		AnalysesDirs:  []string{"analyses", "databench/analyses_packaged"},
		ReadyTimeout:  10 * time.Second,
		DetachTimeout: 5 * time.Second,
		ActionTimeout: 2 * time.Minute,
		LogLevel:      "info",
	}
}
