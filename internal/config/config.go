package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort     string
	ServiceName     string
	WorkspaceDir    string
	ChunkSizeKB     int
	RequestTimeout  time.Duration
	StaleSessionAge time.Duration

	// Tracing configuration
	TracingEnabled bool
	JaegerEndpoint string

	// Redis configuration
	RedisEnabled  bool
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// TiDB configuration
	TiDBEnabled  bool
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// MinIO configuration
	MinIOEnabled    bool
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. Variables in envFile, when it exists, fill in anything the
// environment does not already set.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	config := &Config{
		// Service defaults
		ServicePort:     getEnv("SERVICE_PORT", "8900"),
		ServiceName:     getEnv("SERVICE_NAME", "labarchive-service"),
		WorkspaceDir:    getEnv("WORKSPACE_DIR", filepath.Join(os.TempDir(), "labarchive")),
		ChunkSizeKB:     getEnvAsInt("CHUNK_SIZE_KB", 32),
		RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 2*time.Minute),
		StaleSessionAge: getEnvAsDuration("STALE_SESSION_AGE", time.Hour),

		// Tracing defaults
		TracingEnabled: getEnvAsBool("TRACING_ENABLED", false),
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "localhost:4318"),

		// Redis defaults
		RedisEnabled:  getEnvAsBool("REDIS_ENABLED", false),
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// TiDB defaults
		TiDBEnabled:  getEnvAsBool("TIDB_ENABLED", false),
		TiDBHost:     getEnv("TIDB_HOST", "localhost"),
		TiDBPort:     getEnv("TIDB_PORT", "4000"),
		TiDBUser:     getEnv("TIDB_USER", "root"),
		TiDBPassword: getEnv("TIDB_PASSWORD", ""),
		TiDBDatabase: getEnv("TIDB_DATABASE", "labarchive"),

		// MinIO defaults
		MinIOEnabled:    getEnvAsBool("MINIO_ENABLED", false),
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "labarchive"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects values the service cannot run with
func (c *Config) Validate() error {
	if c.ServicePort == "" {
		return fmt.Errorf("SERVICE_PORT must not be empty")
	}
	if c.WorkspaceDir == "" {
		return fmt.Errorf("WORKSPACE_DIR must not be empty")
	}
	if c.ChunkSizeKB <= 0 {
		return fmt.Errorf("CHUNK_SIZE_KB must be positive, got %d", c.ChunkSizeKB)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.StaleSessionAge < 0 || (c.StaleSessionAge > 0 && c.StaleSessionAge < time.Second) {
		return fmt.Errorf("STALE_SESSION_AGE must be 0 or at least 1s, got %s", c.StaleSessionAge)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetChunkSizeBytes returns chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.ChunkSizeKB) * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
