// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Draft         DraftConfig         `yaml:"draft"`
	Submission    SubmissionConfig    `yaml:"submission"`
	Events        EventsConfig        `yaml:"events"`
	Sessions      SessionsConfig      `yaml:"sessions"`
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

// IdentityConfig describes JWT verification settings. Tokens are verified
// either against a JWKS endpoint (RS256) or a shared secret (HS256).
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	Algorithms    []string          `yaml:"algorithms"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes role to capability resolution.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// DraftConfig describes draft persistence.
type DraftConfig struct {
	Driver          string        `yaml:"driver"` // memory | postgres | redis | sqlite
	DSNEnv          string        `yaml:"dsn_env"`
	AddrEnv         string        `yaml:"addr_env"`
	RedisDB         int           `yaml:"redis_db"`
	SQLitePath      string        `yaml:"sqlite_path"`
	Debounce        time.Duration `yaml:"debounce"`
	TTL             time.Duration `yaml:"ttl"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SubmissionConfig describes the submission service backend.
type SubmissionConfig struct {
	Driver string `yaml:"driver"` // memory | postgres
	DSNEnv string `yaml:"dsn_env"`
}

// EventsConfig describes where submission events are published.
type EventsConfig struct {
	Driver            string   `yaml:"driver"` // log | kafka
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	ClientID          string   `yaml:"client_id"`
	CreateTopic       bool     `yaml:"create_topic"`
	Partitions        int32    `yaml:"partitions"`
	ReplicationFactor int16    `yaml:"replication_factor"`
}

// SessionsConfig describes in-process workflow session management.
type SessionsConfig struct {
	IdleTTL         time.Duration `yaml:"idle_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
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
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"branch_id":  "branch_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Draft: DraftConfig{
			Driver:          "memory",
			Debounce:        400 * time.Millisecond,
			TTL:             30 * 24 * time.Hour,
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Submission: SubmissionConfig{
			Driver: "memory",
		},
		Events: EventsConfig{
			Driver:            "log",
			Topic:             "registration.submitted",
			ClientID:          "portal",
			Partitions:        3,
			ReplicationFactor: 1,
		},
		Sessions: SessionsConfig{
			IdleTTL:         30 * time.Minute,
			JanitorInterval: time.Minute,
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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.JWKSURL == "" && c.Identity.HMACSecretEnv == "" {
		errs = append(errs, "identity.jwks_url or identity.hmac_secret_env is required")
	}
	if c.Identity.HMACSecretEnv != "" && !slices.Contains(c.Identity.Algorithms, "HS256") {
		errs = append(errs, "identity.algorithms must include HS256 when hmac_secret_env is set")
	}

	switch c.Draft.Driver {
	case "memory":
	case "postgres":
		if c.Draft.DSNEnv == "" {
			errs = append(errs, "draft.dsn_env is required for the postgres driver")
		}
	case "redis":
		if c.Draft.AddrEnv == "" {
			errs = append(errs, "draft.addr_env is required for the redis driver")
		}
	case "sqlite":
		if c.Draft.SQLitePath == "" {
			errs = append(errs, "draft.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("draft.driver %q is not one of memory, postgres, redis, sqlite", c.Draft.Driver))
	}
	if c.Draft.Debounce <= 0 {
		errs = append(errs, "draft.debounce must be positive")
	}

	switch c.Submission.Driver {
	case "memory":
	case "postgres":
		if c.Submission.DSNEnv == "" {
			errs = append(errs, "submission.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("submission.driver %q is not one of memory, postgres", c.Submission.Driver))
	}

	switch c.Events.Driver {
	case "log":
	case "kafka":
		if len(c.Events.Brokers) == 0 {
			errs = append(errs, "events.brokers is required for the kafka driver")
		}
		if c.Events.Topic == "" {
			errs = append(errs, "events.topic is required for the kafka driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("events.driver %q is not one of log, kafka", c.Events.Driver))
	}

	if c.Sessions.IdleTTL <= 0 {
		errs = append(errs, "sessions.idle_ttl must be positive")
	}
	if c.Sessions.JanitorInterval <= 0 {
		errs = append(errs, "sessions.janitor_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads PORTAL_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORTAL_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PORTAL_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("PORTAL_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("PORTAL_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("PORTAL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("PORTAL_DRAFT_DRIVER"); v != "" {
		cfg.Draft.Driver = v
	}
	if v := os.Getenv("PORTAL_SUBMISSION_DRIVER"); v != "" {
		cfg.Submission.Driver = v
	}
	if v := os.Getenv("PORTAL_EVENTS_DRIVER"); v != "" {
		cfg.Events.Driver = v
	}
	if v := os.Getenv("PORTAL_EVENTS_BROKERS"); v != "" {
		cfg.Events.Brokers = strings.Split(v, ",")
	}
}
