package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine configuration
type Config struct {
	Service  ServiceConfig
	Engine   EngineConfig
	Database DatabaseConfig
	Redis    RedisConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// EngineConfig holds workflow engine limits and timeouts
type EngineConfig struct {
	MaxParallelBranches     int
	MaxConcurrentExecutions int
	ExecutionTimeout        time.Duration
	NodeTimeout             time.Duration
	HTTPTimeout             time.Duration
	ExpressionTimeout       time.Duration
	LogRingSize             int
	SubworkflowDepthLimit   int
	HeartbeatInterval       time.Duration
	TerminalRetention       time.Duration
	StaleRunningAfter       time.Duration
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
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

// RedisConfig holds Redis settings for the optional event relay
type RedisConfig struct {
	Enabled bool
	Addr    string
	DB      int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Engine: EngineConfig{
			MaxParallelBranches:     getEnvInt("FLOW_MAX_PARALLEL_BRANCHES", 10),
			MaxConcurrentExecutions: getEnvInt("FLOW_MAX_CONCURRENT_EXECUTIONS", 100),
			ExecutionTimeout:        getEnvDuration("FLOW_EXECUTION_TIMEOUT", 5*time.Minute),
			NodeTimeout:             getEnvDuration("FLOW_NODE_TIMEOUT", 5*time.Minute),
			HTTPTimeout:             getEnvDuration("FLOW_HTTP_TIMEOUT", 30*time.Second),
			ExpressionTimeout:       getEnvDuration("FLOW_EXPR_TIMEOUT", 5*time.Second),
			LogRingSize:             getEnvInt("FLOW_LOG_RING_SIZE", 1000),
			SubworkflowDepthLimit:   getEnvInt("FLOW_SUBWORKFLOW_DEPTH_LIMIT", 5),
			HeartbeatInterval:       getEnvDuration("FLOW_HEARTBEAT_INTERVAL", 30*time.Second),
			TerminalRetention:       getEnvDuration("FLOW_TERMINAL_RETENTION", 1*time.Hour),
			StaleRunningAfter:       getEnvDuration("FLOW_STALE_RUNNING_AFTER", 24*time.Hour),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "flowengine"),
			User:        getEnv("POSTGRES_USER", "flowengine"),
			Password:    getEnv("POSTGRES_PASSWORD", "flowengine"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled: getEnvBool("REDIS_ENABLED", false),
			Addr:    getEnv("REDIS_ADDR", "localhost:6379"),
			DB:      getEnvInt("REDIS_DB", 0),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Engine.MaxParallelBranches < 1 {
		return fmt.Errorf("max_parallel_branches must be >= 1")
	}

	if c.Engine.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("max_concurrent_executions must be >= 1")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
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
