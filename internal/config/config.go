// Package config defines the gateway configuration and its loading rules.
// Config files may be YAML or JSON; JSON files may carry comments and
// trailing commas (standardized through hujson before decoding).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the relay gateway.
type Config struct {
	// Host and Port for the HTTP server.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// Providers lists the upstream LLM providers in no particular order;
	// failover order is controlled by each provider's priority.
	Providers []Provider `yaml:"providers" json:"providers"`

	// Routing tunes the failover and streaming behavior.
	Routing Routing `yaml:"routing,omitempty" json:"routing,omitempty"`

	// Usage configures the dispatch-record persistence backend.
	Usage Usage `yaml:"usage,omitempty" json:"usage,omitempty"`

	// RateLimit bounds per-client request rates at the API edge.
	RateLimit RateLimit `yaml:"rate-limit,omitempty" json:"rate-limit,omitempty"`

	// LogFile, when set, mirrors logs to a rotated file.
	LogFile string `yaml:"log-file,omitempty" json:"log-file,omitempty"`
}

// Routing holds failover and stream tuning knobs.
type Routing struct {
	// AttemptTimeout bounds connect/first-byte time for a single dispatch.
	AttemptTimeout time.Duration `yaml:"attempt-timeout,omitempty" json:"attempt-timeout,omitempty"`

	// StreamTimeout bounds the total duration of one streamed response.
	StreamTimeout time.Duration `yaml:"stream-timeout,omitempty" json:"stream-timeout,omitempty"`

	// IdleTimeout closes upstream streams that stop producing data.
	IdleTimeout time.Duration `yaml:"idle-timeout,omitempty" json:"idle-timeout,omitempty"`

	// DrainOnCancel keeps reading the upstream stream after the caller
	// disconnects so the partial answer can still be persisted. When false
	// the upstream call is cancelled to avoid paying for unread tokens.
	DrainOnCancel bool `yaml:"drain-on-cancel,omitempty" json:"drain-on-cancel,omitempty"`

	// DrainTimeout bounds background draining after a disconnect.
	DrainTimeout time.Duration `yaml:"drain-timeout,omitempty" json:"drain-timeout,omitempty"`

	// RetryBudget caps concurrent transport retries across all requests.
	RetryBudget int64 `yaml:"retry-budget,omitempty" json:"retry-budget,omitempty"`
}

// Usage configures the usage persistence backend.
type Usage struct {
	// DSN selects the backend: sqlite:///path/to.db or postgres://...
	// Empty disables persistence; realtime counters still work.
	DSN           string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	BatchSize     int    `yaml:"batch-size,omitempty" json:"batch-size,omitempty"`
	FlushInterval string `yaml:"flush-interval,omitempty" json:"flush-interval,omitempty"`
	RetentionDays int    `yaml:"retention-days,omitempty" json:"retention-days,omitempty"`
}

// RateLimit configures the per-client limiter at the API edge.
type RateLimit struct {
	// RPS is requests per second per client IP. Zero disables limiting.
	RPS   float64 `yaml:"rps,omitempty" json:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// Load reads, decodes, and sanitizes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc", ".hujson":
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("config: standardize %s: %w", path, err)
		}
		if err := sonic.Unmarshal(std, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.Providers = SanitizeProviders(cfg.Providers)
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("config: no usable providers in %s", path)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8711
	}
	if cfg.Routing.AttemptTimeout <= 0 {
		cfg.Routing.AttemptTimeout = 15 * time.Second
	}
	if cfg.Routing.StreamTimeout <= 0 {
		cfg.Routing.StreamTimeout = 10 * time.Minute
	}
	if cfg.Routing.IdleTimeout <= 0 {
		cfg.Routing.IdleTimeout = 3 * time.Minute
	}
	if cfg.Routing.DrainTimeout <= 0 {
		cfg.Routing.DrainTimeout = 30 * time.Second
	}
	if cfg.Routing.RetryBudget <= 0 {
		cfg.Routing.RetryBudget = 50
	}
	if cfg.RateLimit.RPS > 0 && cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = int(cfg.RateLimit.RPS) + 1
	}
}

// Addr returns the host:port pair for the HTTP server.
func (cfg *Config) Addr() string {
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
