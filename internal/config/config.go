// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/mithril/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Throttle  ThrottleConfig  `yaml:"throttle"`
	Providers []ProviderEntry `yaml:"providers"`
	Users     []UserEntry     `yaml:"users"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// ThrottleConfig controls the background throttle-state sweeper.
type ThrottleConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // 0 = disabled
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name           string   `yaml:"name"`
	DisplayName    string   `yaml:"display_name"`
	ThrottleMode   string   `yaml:"throttle_mode"` // "BY_KEY" (default) or "BY_MODEL"
	MinThrottleMin int      `yaml:"min_throttle_minutes"`
	MaxThrottleMin int      `yaml:"max_throttle_minutes"`
	Models         []string `yaml:"models"`    // baseId[$alias] entries
	Protocols      []string `yaml:"protocols"` // native wire formats
}

// ToProviderConfig converts the entry into a domain provider config,
// applying throttle defaults. Fails on an unknown throttle mode or protocol.
func (p ProviderEntry) ToProviderConfig() (*gateway.ProviderConfig, error) {
	mode := gateway.ThrottleMode(p.ThrottleMode)
	switch mode {
	case "":
		mode = gateway.ThrottleByKey
	case gateway.ThrottleByKey, gateway.ThrottleByModel:
	default:
		return nil, fmt.Errorf("provider %s: unknown throttle_mode %q", p.Name, p.ThrottleMode)
	}

	protocols := make([]gateway.Protocol, 0, len(p.Protocols))
	for _, raw := range p.Protocols {
		proto := gateway.Protocol(raw)
		switch proto {
		case gateway.ProtocolOpenAI, gateway.ProtocolGemini, gateway.ProtocolAnthropic:
			protocols = append(protocols, proto)
		default:
			return nil, fmt.Errorf("provider %s: unknown protocol %q", p.Name, raw)
		}
	}

	return &gateway.ProviderConfig{
		Name:            p.Name,
		DisplayName:     p.DisplayName,
		ThrottleMode:    mode,
		MinThrottleMin:  max(1, p.MinThrottleMin),
		MaxThrottleMin:  max(max(1, p.MinThrottleMin), p.MaxThrottleMin),
		Models:          p.Models,
		NativeProtocols: protocols,
	}, nil
}

// UserEntry is a user seed in the config file.
type UserEntry struct {
	Name    string            `yaml:"name"`
	Token   string            `yaml:"token"` // plaintext "sk-" token; generated when empty
	Aliases map[string]string `yaml:"aliases"`
	Keys    []KeyEntry        `yaml:"keys"`
}

// KeyEntry is a provider key seed belonging to a user entry.
type KeyEntry struct {
	Provider        string   `yaml:"provider"`
	KeyData         string   `yaml:"key_data"`
	Notes           string   `yaml:"notes"`
	BaseURL         string   `yaml:"base_url"`
	AvailableModels []string `yaml:"available_models"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "mithril.db",
		},
		Throttle: ThrottleConfig{
			SweepInterval: 10 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
