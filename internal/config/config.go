// Package config handles loading, validating, and writing the gridledger
// configuration from <config-dir>/config.yaml.
//
// The config defines:
//   - Server bind address (host:port) for the API and live feed
//   - Ledger storage directory, working set size and durable-write retries
//   - Compliance artifact defaults (standard name, recent entry count)
//   - API rate limiting and log level
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gridledger configuration. Loaded from
// config.yaml, with defaults for any field not set explicitly.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Compliance ComplianceConfig `yaml:"compliance"`
	API        APIConfig        `yaml:"api"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig defines where the API listens.
// Default: 127.0.0.1:3200 (loopback only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LedgerConfig controls the audit ledger.
//
// Dir "" means <config-dir>/ledger. WorkingSetSize is the number of recent
// entries kept in memory for the live feed.
type LedgerConfig struct {
	Dir            string      `yaml:"dir"`
	WorkingSetSize int         `yaml:"workingSetSize"`
	QueueDepth     int         `yaml:"queueDepth"`
	Store          StoreConfig `yaml:"store"`
}

// StoreConfig bounds durable writes. After Retries extra attempts with
// exponential backoff starting at BackoffMs, the ledger falls back to
// memory-only mode.
type StoreConfig struct {
	Retries    int  `yaml:"retries"`
	BackoffMs  int  `yaml:"backoffMs"`
	TimeoutMs  int  `yaml:"timeoutMs"`
	MemoryOnly bool `yaml:"memoryOnly"`
}

// ComplianceConfig sets compliance artifact defaults.
type ComplianceConfig struct {
	Standard      string `yaml:"standard"`
	RecentEntries int    `yaml:"recentEntries"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig is the token bucket applied to ingest requests.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig sets the slog level: debug, info, warn or error.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `gridledger config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# gridledger configuration
#
# server:
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port (default: 3200)
#
# ledger:
#   dir: Ledger directory ("" = <config-dir>/ledger)
#   workingSetSize: Recent entries kept in memory for the live feed
#   queueDepth: Pending appends buffered before callers block
#   store:
#     retries / backoffMs / timeoutMs: Durable write retry policy
#     memoryOnly: true = never touch disk (entries are lost on restart)
#
# compliance:
#   standard: Standard named in compliance artifacts
#   recentEntries: Raw entries included in compliance artifacts
#
# api.rateLimit: Token bucket for POST /api/audit
# logging.level: debug | info | warn | error (hot-reloaded)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// LedgerDir resolves the ledger directory against the config directory.
func (c *Config) LedgerDir(configDir string) string {
	if c.Ledger.Dir != "" {
		return c.Ledger.Dir
	}
	return configDir + string(os.PathSeparator) + "ledger"
}

// Backoff returns the initial retry backoff.
func (s StoreConfig) Backoff() time.Duration {
	return time.Duration(s.BackoffMs) * time.Millisecond
}

// Timeout returns the per-attempt write timeout.
func (s StoreConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyDefaults returns a Config with all fields set to their default values.
func applyDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 3200,
		},
		Ledger: LedgerConfig{
			WorkingSetSize: 1000,
			QueueDepth:     256,
			Store: StoreConfig{
				Retries:   3,
				BackoffMs: 50,
				TimeoutMs: 5000,
			},
		},
		Compliance: ComplianceConfig{
			Standard:      "NERC CIP-007-6",
			RecentEntries: 100,
		},
		API: APIConfig{
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range (1-65535)", cfg.Server.Port)
	}

	if cfg.Ledger.WorkingSetSize < 1 {
		return fmt.Errorf("ledger.workingSetSize must be at least 1")
	}
	if cfg.Ledger.QueueDepth < 1 {
		return fmt.Errorf("ledger.queueDepth must be at least 1")
	}
	if cfg.Ledger.Store.Retries < 0 || cfg.Ledger.Store.BackoffMs < 0 || cfg.Ledger.Store.TimeoutMs < 0 {
		return fmt.Errorf("ledger.store retries, backoffMs and timeoutMs must be non-negative")
	}

	if cfg.Compliance.Standard == "" {
		return fmt.Errorf("compliance.standard must not be empty")
	}
	if cfg.Compliance.RecentEntries < 0 {
		return fmt.Errorf("compliance.recentEntries must be non-negative")
	}

	if cfg.API.RateLimit.RequestsPerSecond <= 0 || cfg.API.RateLimit.Burst < 1 {
		return fmt.Errorf("api.rateLimit requires requestsPerSecond > 0 and burst >= 1")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be debug, info, warn or error", cfg.Logging.Level)
	}

	return nil
}
