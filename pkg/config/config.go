package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/galenhealth/mortar/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Directory     DirectoryConfig
	Redis         RedisConfig
	Identity      IdentityConfig
	Session       SessionConfig
	Audit         AuditConfig
	Observability ObservabilityConfig

	// DashboardMappingPath points at the optional YAML file overriding
	// the built-in role to dashboard table. Empty disables the override.
	DashboardMappingPath string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DirectoryConfig holds the pharmacy directory (PostgreSQL) settings
type DirectoryConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds the backup cache tier settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// IdentityConfig holds the OIDC identity provider settings
type IdentityConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// SessionConfig holds session cache and state machine settings
type SessionConfig struct {
	CacheTTL      time.Duration
	CacheSize     int
	SafetyTimeout time.Duration
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	Enabled   bool
	Retention time.Duration

	// SweepSchedule is a cron expression for the retention sweep.
	SweepSchedule string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("MORTAR_HOST", "0.0.0.0"),
			Port:            getEnv("MORTAR_PORT", "8080"),
			ReadTimeout:     getEnvDuration("MORTAR_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("MORTAR_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("MORTAR_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("MORTAR_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("MORTAR_HEALTH_PORT", "9090"),
		},
		Directory: DirectoryConfig{
			URL:         getEnv("MORTAR_DIRECTORY_URL", ""),
			MaxConns:    getEnvInt("MORTAR_DIRECTORY_MAX_CONNS", 20),
			MinConns:    getEnvInt("MORTAR_DIRECTORY_MIN_CONNS", 2),
			Timeout:     getEnvDuration("MORTAR_DIRECTORY_TIMEOUT", 5*time.Second),
			MaxLifetime: getEnvDuration("MORTAR_DIRECTORY_MAX_LIFETIME", 30*time.Minute),
			MaxIdleTime: getEnvDuration("MORTAR_DIRECTORY_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:        getEnv("MORTAR_REDIS_URL", "redis://localhost:6379/0"),
			Password:   getEnv("MORTAR_REDIS_PASSWORD", ""),
			DB:         getEnvInt("MORTAR_REDIS_DB", -1),
			MaxRetries: getEnvInt("MORTAR_REDIS_MAX_RETRIES", 3),
			PoolSize:   getEnvInt("MORTAR_REDIS_POOL_SIZE", 10),
		},
		Identity: IdentityConfig{
			IssuerURL:    getEnv("MORTAR_OIDC_ISSUER_URL", ""),
			ClientID:     getEnv("MORTAR_OIDC_CLIENT_ID", ""),
			ClientSecret: getEnv("MORTAR_OIDC_CLIENT_SECRET", ""),
			Scopes:       getEnvList("MORTAR_OIDC_SCOPES", []string{"openid", "profile", "email"}),
		},
		Session: SessionConfig{
			CacheTTL:      getEnvDuration("MORTAR_SESSION_CACHE_TTL", 5*time.Minute),
			CacheSize:     getEnvInt("MORTAR_SESSION_CACHE_SIZE", 4096),
			SafetyTimeout: getEnvDuration("MORTAR_SESSION_SAFETY_TIMEOUT", 8*time.Second),
		},
		Audit: AuditConfig{
			Enabled:       getEnvBool("MORTAR_AUDIT_ENABLED", true),
			Retention:     getEnvDuration("MORTAR_AUDIT_RETENTION", 90*24*time.Hour),
			SweepSchedule: getEnv("MORTAR_AUDIT_SWEEP_SCHEDULE", "0 3 * * *"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("MORTAR_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("MORTAR_METRICS_ENABLED", true),
		},
		DashboardMappingPath: getEnv("MORTAR_DASHBOARD_MAPPING", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
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

	if c.Directory.URL == "" {
		return fmt.Errorf("directory URL is required (MORTAR_DIRECTORY_URL)")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required (MORTAR_REDIS_URL)")
	}

	if c.Identity.IssuerURL == "" {
		return fmt.Errorf("OIDC issuer URL is required (MORTAR_OIDC_ISSUER_URL)")
	}
	if c.Identity.ClientID == "" {
		return fmt.Errorf("OIDC client ID is required (MORTAR_OIDC_CLIENT_ID)")
	}

	if c.Session.CacheTTL <= 0 {
		return fmt.Errorf("session cache TTL must be positive")
	}
	if c.Session.SafetyTimeout <= 0 {
		return fmt.Errorf("session safety timeout must be positive")
	}

	if c.Audit.Enabled && c.Audit.Retention <= 0 {
		return fmt.Errorf("audit retention must be positive when audit is enabled")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable or a default
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
