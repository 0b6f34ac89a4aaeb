// Package config handles loading and validating Ractor configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the engine.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.ractor/data. Override: RACTOR_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = SQLite default (derived from data dir)
	Server        ServerConfig         `json:"server" yaml:"server"`
	Runtime       RuntimeConfig        `json:"runtime" yaml:"runtime"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Reaper        *ReaperConfig        `json:"reaper,omitempty" yaml:"reaper,omitempty"` // nil = defaults
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: RACTOR_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	APIKeyPrincipals    map[string]string `json:"api_key_principals" yaml:"api_key_principals"`         // API key → principal recorded as created_by.
	AgentToken          string            `json:"agent_token" yaml:"agent_token"`                       // Shared token for runtime agent websocket auth. Override: RACTOR_AGENT_TOKEN env var.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (s ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (s ServerConfig) MaxRequestSize() int64 {
	if s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// RateLimitConfig configures per-principal rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// RuntimeConfig configures the Docker-backed container runtime.
type RuntimeConfig struct {
	Image          string  `json:"image" yaml:"image"`                     // Container image. Default: "ractor-runtime:latest".
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`             // Docker --cpus flag. 0 = 1.0 default.
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`             // Docker --memory flag. 0 = 2048 default.
	PIDsLimit      int     `json:"pids_limit" yaml:"pids_limit"`           // Docker --pids-limit flag. 0 = 256 default.
	NetworkAllowed bool    `json:"network_allowed" yaml:"network_allowed"` // Default: false (no network stack).
	SnapshotDir    string  `json:"snapshot_dir" yaml:"snapshot_dir"`       // Default: derived from data dir.
}

// SandboxConfig holds sandbox lifecycle defaults.
type SandboxConfig struct {
	DefaultIdleTimeoutSeconds int   `json:"default_idle_timeout_seconds" yaml:"default_idle_timeout_seconds"` // Default: 900.
	ContextSoftLimitTokens    int64 `json:"context_soft_limit_tokens" yaml:"context_soft_limit_tokens"`       // Default: 128000.
}

// IdleTimeout returns the default idle timeout with a default of 900s.
func (s SandboxConfig) IdleTimeout() int {
	if s.DefaultIdleTimeoutSeconds > 0 {
		return s.DefaultIdleTimeoutSeconds
	}
	return 900
}

// SoftLimit returns the context soft limit with a default of 128000 tokens.
func (s SandboxConfig) SoftLimit() int64 {
	if s.ContextSoftLimitTokens > 0 {
		return s.ContextSoftLimitTokens
	}
	return 128_000
}

// ReaperConfig configures the lifecycle sweep.
type ReaperConfig struct {
	Schedule  string `json:"schedule" yaml:"schedule"`     // Cron expression or @every form. Default: "@every 30s".
	BatchSize int    `json:"batch_size" yaml:"batch_size"` // Rows per sweep query. Default: 50.
}

// SweepSchedule returns the cron schedule with a default of "@every 30s".
func (r *ReaperConfig) SweepSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "@every 30s"
}

// Batch returns the sweep batch size with a default of 50.
func (r *ReaperConfig) Batch() int {
	if r != nil && r.BatchSize > 0 {
		return r.BatchSize
	}
	return 50
}

// ProviderConfig selects the inference backend used for context compaction.
type ProviderConfig struct {
	Default string       `json:"default" yaml:"default"` // "openai" or "ollama". Empty = "openai".
	OpenAI  OpenAIConfig `json:"openai" yaml:"openai"`
	Ollama  OllamaConfig `json:"ollama" yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: OPENAI_API_KEY env var.
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to http://localhost:11434.
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ractor"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.ractor/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ractor.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ractor", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Secrets can be set in the config file or overridden by
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".ractor", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets environment variables win over config file values.
func (c *Config) applyEnvOverrides() {
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Provider.OpenAI.APIKey = envKey
	}
	if envDD := os.Getenv("RACTOR_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envDSN := os.Getenv("RACTOR_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envTok := os.Getenv("RACTOR_AGENT_TOKEN"); envTok != "" {
		c.Server.AgentToken = envTok
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".ractor", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "ractor.db")
}

// ResolvedSnapshotDir returns the snapshot archive directory, defaulting to
// <data dir>/snapshots.
func (c *Config) ResolvedSnapshotDir() string {
	if c.Runtime.SnapshotDir != "" {
		resolved, err := resolvePath(c.Runtime.SnapshotDir)
		if err == nil {
			return resolved
		}
		return c.Runtime.SnapshotDir
	}
	return filepath.Join(c.ResolvedDataDir(), "snapshots")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// ConnMaxLifetime returns the postgres connection lifetime with a default of 30m.
func (p *PostgresStorageConfig) ConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// MaxOpen returns the max open connections with a default of 25.
func (p *PostgresStorageConfig) MaxOpen() int {
	if p != nil && p.MaxOpenConns > 0 {
		return p.MaxOpenConns
	}
	return 25
}

// MaxIdle returns the max idle connections with a default of 5.
func (p *PostgresStorageConfig) MaxIdle() int {
	if p != nil && p.MaxIdleConns > 0 {
		return p.MaxIdleConns
	}
	return 5
}

func (c *Config) validate() error {
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set RACTOR_DB_DSN)")
		}
	}
	if c.Sandbox.DefaultIdleTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.default_idle_timeout_seconds must not be negative")
	}
	if c.Sandbox.ContextSoftLimitTokens < 0 {
		return fmt.Errorf("sandbox.context_soft_limit_tokens must not be negative")
	}
	if c.Runtime.MemoryMB < 0 {
		return fmt.Errorf("runtime.memory_mb must not be negative")
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	return nil
}

// validateProvider checks that the selected inference backend has the
// required fields. The provider section may be left empty entirely, which
// disables context compaction.
func (c *Config) validateProvider() error {
	switch c.Provider.Default {
	case "":
		// Compaction disabled unless openai settings are present.
		return nil
	case "openai":
		if c.Provider.OpenAI.Model == "" {
			return fmt.Errorf("provider.openai.model is required")
		}
		if c.Provider.OpenAI.APIKey == "" {
			return fmt.Errorf("provider.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "ollama":
		if c.Provider.Ollama.Model == "" {
			return fmt.Errorf("provider.ollama.model is required")
		}
	default:
		return fmt.Errorf("provider.default %q is not supported (use openai or ollama)", c.Provider.Default)
	}
	return nil
}
