package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/warden/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Session       SessionConfig       `yaml:"session"`
	OIDC          OIDCConfig          `yaml:"oidc"`
	Membership    MembershipConfig    `yaml:"membership"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            string   `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds Redis configuration for push invalidation and rate limiting
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// SessionConfig holds session issuance settings
type SessionConfig struct {
	TTL Duration `yaml:"ttl"`
}

// OIDCConfig holds the external identity provider settings
type OIDCConfig struct {
	Enabled      bool   `yaml:"enabled"`
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// MembershipConfig holds membership lifecycle settings
type MembershipConfig struct {
	InviteTTL     Duration `yaml:"invite_ttl"`
	SweepSchedule string   `yaml:"sweep_schedule"`
}

// CacheConfig holds permission cache settings
type CacheConfig struct {
	PermissionTTL Duration `yaml:"permission_ttl"`
	MaxEntries    int      `yaml:"max_entries"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
			HealthPort:      "9090",
		},
		Database: DatabaseConfig{
			MaxConns: 25,
			MinConns: 5,
		},
		Redis: RedisConfig{
			URL:      "localhost:6379",
			PoolSize: 10,
		},
		Session: SessionConfig{
			TTL: Duration(24 * time.Hour),
		},
		Membership: MembershipConfig{
			InviteTTL:     Duration(14 * 24 * time.Hour),
			SweepSchedule: "@hourly",
		},
		Cache: CacheConfig{
			PermissionTTL: Duration(5 * time.Minute),
			MaxEntries:    10000,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEnabled:        false,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "warden",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig builds the configuration in three layers: defaults, an optional
// YAML file, then WARDEN_* environment variables. Path may be empty; the
// WARDEN_CONFIG_FILE variable is honored as a fallback.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = os.Getenv("WARDEN_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("WARDEN_HOST", c.Server.Host)
	c.Server.Port = getEnv("WARDEN_PORT", c.Server.Port)
	c.Server.HealthPort = getEnv("WARDEN_HEALTH_PORT", c.Server.HealthPort)
	c.Server.ReadTimeout = getEnvDuration("WARDEN_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("WARDEN_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("WARDEN_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("WARDEN_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.URL = getEnv("WARDEN_POSTGRES_URL", c.Database.URL)
	c.Database.MaxConns = getEnvInt("WARDEN_POSTGRES_MAX_CONNS", c.Database.MaxConns)
	c.Database.MinConns = getEnvInt("WARDEN_POSTGRES_MIN_CONNS", c.Database.MinConns)

	c.Redis.URL = getEnv("WARDEN_REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv("WARDEN_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("WARDEN_REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("WARDEN_REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Session.TTL = getEnvDuration("WARDEN_SESSION_TTL", c.Session.TTL)

	c.OIDC.Enabled = getEnvBool("WARDEN_OIDC_ENABLED", c.OIDC.Enabled)
	c.OIDC.IssuerURL = getEnv("WARDEN_OIDC_ISSUER_URL", c.OIDC.IssuerURL)
	c.OIDC.ClientID = getEnv("WARDEN_OIDC_CLIENT_ID", c.OIDC.ClientID)
	c.OIDC.ClientSecret = getEnv("WARDEN_OIDC_CLIENT_SECRET", c.OIDC.ClientSecret)
	c.OIDC.RedirectURL = getEnv("WARDEN_OIDC_REDIRECT_URL", c.OIDC.RedirectURL)

	c.Membership.InviteTTL = getEnvDuration("WARDEN_INVITE_TTL", c.Membership.InviteTTL)
	c.Membership.SweepSchedule = getEnv("WARDEN_INVITE_SWEEP_SCHEDULE", c.Membership.SweepSchedule)

	c.Cache.PermissionTTL = getEnvDuration("WARDEN_PERMISSION_CACHE_TTL", c.Cache.PermissionTTL)
	c.Cache.MaxEntries = getEnvInt("WARDEN_PERMISSION_CACHE_ENTRIES", c.Cache.MaxEntries)

	c.Observability.LogLevel = getEnv("WARDEN_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.MetricsEnabled = getEnvBool("WARDEN_METRICS_ENABLED", c.Observability.MetricsEnabled)
	c.Observability.OTelEnabled = getEnvBool("WARDEN_OTEL_ENABLED", c.Observability.OTelEnabled)
	c.Observability.OTelEndpoint = getEnv("WARDEN_OTEL_ENDPOINT", c.Observability.OTelEndpoint)
	c.Observability.OTelServiceName = getEnv("WARDEN_OTEL_SERVICE_NAME", c.Observability.OTelServiceName)
	c.Observability.OTelServiceVersion = getEnv("WARDEN_OTEL_SERVICE_VERSION", c.Observability.OTelServiceVersion)
	c.Observability.OTelInsecure = getEnvBool("WARDEN_OTEL_INSECURE", c.Observability.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("postgres min connections cannot exceed max connections")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}
	if c.Membership.InviteTTL <= 0 {
		return fmt.Errorf("invite TTL must be positive")
	}
	if c.Cache.PermissionTTL <= 0 {
		return fmt.Errorf("permission cache TTL must be positive")
	}

	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" {
			return fmt.Errorf("OIDC issuer URL is required when OIDC is enabled")
		}
		if c.OIDC.ClientID == "" {
			return fmt.Errorf("OIDC client ID is required when OIDC is enabled")
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// LogLevel converts the configured level string
func (c *Config) LogLevel() observability.LogLevel {
	return observability.ParseLevel(c.Observability.LogLevel)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return Duration(duration)
		}
	}
	return defaultValue
}
