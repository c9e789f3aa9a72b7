// Package config loads runtime configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v9"

	"github.com/attache-app/core/internal/errors"
)

// Config holds every tunable of the client core. Values come from the
// environment with sensible defaults for local development.
type Config struct {
	// Backend endpoints.
	APIBaseURL string `env:"ATTACHE_API_BASE_URL" envDefault:"https://api.attache.app"`
	StreamURL  string `env:"ATTACHE_STREAM_URL" envDefault:"wss://stream.attache.app/v1/events"`
	Locale     string `env:"ATTACHE_LOCALE" envDefault:"en"`

	// Local storage.
	DataDir   string `env:"ATTACHE_DATA_DIR" envDefault:"./data"`
	ConfigDir string `env:"ATTACHE_CONFIG_DIR" envDefault:"./config"`

	// Sync tuning.
	PageLimit      int           `env:"ATTACHE_PAGE_LIMIT" envDefault:"50"`
	BackoffStep    time.Duration `env:"ATTACHE_BACKOFF_STEP" envDefault:"1s"`
	BackoffCap     time.Duration `env:"ATTACHE_BACKOFF_CAP" envDefault:"10s"`
	RequestTimeout time.Duration `env:"ATTACHE_REQUEST_TIMEOUT" envDefault:"30s"`

	// Observability.
	LogLevel string `env:"ATTACHE_LOG_LEVEL" envDefault:"info"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to parse configuration", err)
	}
	return cfg, nil
}
