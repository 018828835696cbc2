package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Resources  ResourcesConfig
	Redis      RedisConfig
	LocalStore LocalStoreConfig
	Effects    EffectsConfig
	Telemetry  TelemetryConfig
	Features   FeatureFlags
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	BaseURL     string
	Environment string
	LogLevel    string
	LogFormat   string
}

// ResourcesConfig holds Postgres connection settings for the resources store
type ResourcesConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds settings for the events/trace sink
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
}

// LocalStoreConfig holds settings for per-run embedded stores
type LocalStoreConfig struct {
	Dir string // each run gets <dir>/<run_id>.db; ":memory:" for tests
}

// EffectsConfig bounds the effect retry policy
type EffectsConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	ExecutorBaseURL string
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// FeatureFlags for per-run toggles passed to each coordinator at construction
type FeatureFlags struct {
	TraceEvents      bool
	DefCacheCapacity int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			BaseURL:     getEnv("COORDINATOR_BASE_URL", "http://localhost:8080"),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Resources: ResourcesConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "wonder"),
			User:        getEnv("POSTGRES_USER", "wonder"),
			Password:    getEnv("POSTGRES_PASSWORD", "wonder"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Stream:   getEnv("EVENTS_STREAM", "wonder:events"),
		},
		LocalStore: LocalStoreConfig{
			Dir: getEnv("LOCAL_STORE_DIR", "/var/lib/wonder/runs"),
		},
		Effects: EffectsConfig{
			MaxAttempts:     getEnvInt("EFFECT_MAX_ATTEMPTS", 3),
			InitialInterval: getEnvDuration("EFFECT_RETRY_INTERVAL", 200*time.Millisecond),
			ExecutorBaseURL: getEnv("EXECUTOR_BASE_URL", "http://localhost:8090"),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		Features: FeatureFlags{
			TraceEvents:      getEnvBool("TRACE_EVENTS", true),
			DefCacheCapacity: getEnvInt("DEF_CACHE_CAPACITY", 256),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Resources.Host == "" {
		return fmt.Errorf("resources host is required")
	}

	if c.Resources.MaxConns < c.Resources.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Effects.MaxAttempts < 1 {
		return fmt.Errorf("effect max attempts must be >= 1")
	}

	return nil
}

// ResourcesURL returns the PostgreSQL connection string for the resources store
func (c *Config) ResourcesURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Resources.User,
		c.Resources.Password,
		c.Resources.Host,
		c.Resources.Port,
		c.Resources.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
