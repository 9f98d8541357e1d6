// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	EventBus      EventBusConfig      `yaml:"eventbus"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Bulk          BulkConfig          `yaml:"bulk"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	State         StateConfig         `yaml:"state"`
	Analytics     AnalyticsConfig     `yaml:"analytics"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT verification settings. Authentication is
// disabled when both HMACSecretEnv and JWKSURL are empty.
type IdentityConfig struct {
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	JWKSURL       string        `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string        `yaml:"hmac_secret_env"`
	Algorithms    []string      `yaml:"algorithms"`
}

// Enabled reports whether any token verification source is configured.
func (c IdentityConfig) Enabled() bool {
	return c.JWKSURL != "" || c.HMACSecretEnv != ""
}

// DefinitionsConfig describes where to find workflow type definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// EventBusConfig describes event bus delivery settings.
type EventBusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// WorkflowConfig describes workflow engine settings.
type WorkflowConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// BulkConfig describes bulk operation defaults.
type BulkConfig struct {
	DefaultBatchSize   int `yaml:"default_batch_size"`
	DefaultParallelism int `yaml:"default_parallelism"`
	MaxParallelism     int `yaml:"max_parallelism"`
}

// CollaborationConfig describes session and lock settings.
type CollaborationConfig struct {
	DefaultLockTTL time.Duration   `yaml:"default_lock_ttl"`
	SweepInterval  time.Duration   `yaml:"sweep_interval"`
	LockStore      LockStoreConfig `yaml:"lock_store"`
}

// LockStoreConfig describes lock persistence settings.
type LockStoreConfig struct {
	Driver  string `yaml:"driver"`
	AddrEnv string `yaml:"addr_env"`
	DB      int    `yaml:"db"`
	Prefix  string `yaml:"prefix"`
}

// StateConfig describes state manager persistence settings.
type StateConfig struct {
	Store StateStoreConfig `yaml:"store"`
}

// StateStoreConfig describes state persistence settings.
type StateStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AnalyticsConfig describes correlation engine settings.
type AnalyticsConfig struct {
	FullConfidenceSamples int `yaml:"full_confidence_samples"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
		},
		EventBus: EventBusConfig{
			QueueSize: 256,
		},
		Workflow: WorkflowConfig{
			DefaultTimeout: 0,
		},
		Bulk: BulkConfig{
			DefaultBatchSize:   10,
			DefaultParallelism: 1,
			MaxParallelism:     32,
		},
		Collaboration: CollaborationConfig{
			DefaultLockTTL: 5 * time.Minute,
			SweepInterval:  30 * time.Second,
			LockStore: LockStoreConfig{
				Driver: "memory",
				Prefix: "orchestrator",
			},
		},
		State: StateConfig{
			Store: StateStoreConfig{
				Driver:          "memory",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Analytics: AnalyticsConfig{
			FullConfidenceSamples: 30,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.JWKSURL != "" && c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required when identity.jwks_url is set")
	}
	if c.Bulk.DefaultBatchSize < 1 {
		errs = append(errs, "bulk.default_batch_size must be at least 1")
	}
	if c.Bulk.DefaultParallelism < 1 {
		errs = append(errs, "bulk.default_parallelism must be at least 1")
	}
	if c.Bulk.MaxParallelism < c.Bulk.DefaultParallelism {
		errs = append(errs, "bulk.max_parallelism must not be below bulk.default_parallelism")
	}
	if c.Collaboration.DefaultLockTTL <= 0 {
		errs = append(errs, "collaboration.default_lock_ttl must be positive")
	}
	switch c.Collaboration.LockStore.Driver {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("collaboration.lock_store.driver %q is not supported (memory, redis)", c.Collaboration.LockStore.Driver))
	}
	switch c.State.Store.Driver {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("state.store.driver %q is not supported (memory, postgres)", c.State.Store.Driver))
	}
	if c.Analytics.FullConfidenceSamples < 1 {
		errs = append(errs, "analytics.full_confidence_samples must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads ORCHESTRATOR_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRATOR_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ORCHESTRATOR_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("ORCHESTRATOR_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("ORCHESTRATOR_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("ORCHESTRATOR_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("ORCHESTRATOR_LOCK_STORE_DRIVER"); v != "" {
		cfg.Collaboration.LockStore.Driver = v
	}
	if v := os.Getenv("ORCHESTRATOR_STATE_STORE_DRIVER"); v != "" {
		cfg.State.Store.Driver = v
	}
}
