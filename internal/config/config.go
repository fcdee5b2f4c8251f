package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendRemote = "remote"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort    string
	ServiceName    string
	StorageBackend string

	// Remote origin
	OriginURL     string
	BatchSize     int
	ManifestPath  string
	OriginTimeout time.Duration

	// Download engine
	DownloadTimeout     time.Duration
	DownloadMaxAttempts int
	RangeChunkMB        int
	StreamChunkKB       int
	CacheMaxCompleted   int
	PreloadNext         bool

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// TiDB configuration
	TiDBHost     string
	TiDBPort     string
	TiDBUser     string
	TiDBPassword string
	TiDBDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Jaeger configuration
	JaegerEndpoint string
	TracingEnabled bool
}

var defaults = map[string]interface{}{
	"SERVICE_PORT":          "8080",
	"SERVICE_NAME":          "comicshelf",
	"STORAGE_BACKEND":       BackendMemory,
	"ORIGIN_URL":            "http://localhost:8081",
	"BATCH_SIZE":            40,
	"MANIFEST_PATH":         "contents.json",
	"ORIGIN_TIMEOUT":        "30s",
	"DOWNLOAD_TIMEOUT":      "90s",
	"DOWNLOAD_MAX_ATTEMPTS": 3,
	"RANGE_CHUNK_MB":        5,
	"STREAM_CHUNK_KB":       64,
	"CACHE_MAX_COMPLETED":   10,
	"PRELOAD_NEXT":          true,
	"MINIO_ENDPOINT":        "localhost:9000",
	"MINIO_ACCESS_KEY":      "minioadmin",
	"MINIO_SECRET_KEY":      "minioadmin",
	"MINIO_BUCKET_NAME":     "comicshelf",
	"MINIO_USE_SSL":         false,
	"TIDB_HOST":             "localhost",
	"TIDB_PORT":             "4000",
	"TIDB_USER":             "root",
	"TIDB_PASSWORD":         "",
	"TIDB_DATABASE":         "comicshelf",
	"REDIS_HOST":            "localhost",
	"REDIS_PORT":            "6379",
	"REDIS_PASSWORD":        "",
	"REDIS_DB":              0,
	"REDIS_TTL":             "5m",
	"LOG_LEVEL":             "info",
	"LOG_FORMAT":            "json",
	"LOG_OUTPUT":            "",
	"JAEGER_ENDPOINT":       "localhost:4318",
	"TRACING_ENABLED":       false,
}

// LoadConfig loads configuration from the environment (and an optional .env file) with sensible defaults
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	cfg := &Config{
		ServicePort:    v.GetString("SERVICE_PORT"),
		ServiceName:    v.GetString("SERVICE_NAME"),
		StorageBackend: strings.ToLower(v.GetString("STORAGE_BACKEND")),

		OriginURL:     strings.TrimRight(v.GetString("ORIGIN_URL"), "/"),
		BatchSize:     v.GetInt("BATCH_SIZE"),
		ManifestPath:  v.GetString("MANIFEST_PATH"),
		OriginTimeout: v.GetDuration("ORIGIN_TIMEOUT"),

		DownloadTimeout:     v.GetDuration("DOWNLOAD_TIMEOUT"),
		DownloadMaxAttempts: v.GetInt("DOWNLOAD_MAX_ATTEMPTS"),
		RangeChunkMB:        v.GetInt("RANGE_CHUNK_MB"),
		StreamChunkKB:       v.GetInt("STREAM_CHUNK_KB"),
		CacheMaxCompleted:   v.GetInt("CACHE_MAX_COMPLETED"),
		PreloadNext:         v.GetBool("PRELOAD_NEXT"),

		MinIOEndpoint:   v.GetString("MINIO_ENDPOINT"),
		MinIOAccessKey:  v.GetString("MINIO_ACCESS_KEY"),
		MinIOSecretKey:  v.GetString("MINIO_SECRET_KEY"),
		MinIOBucketName: v.GetString("MINIO_BUCKET_NAME"),
		MinIOUseSSL:     v.GetBool("MINIO_USE_SSL"),

		TiDBHost:     v.GetString("TIDB_HOST"),
		TiDBPort:     v.GetString("TIDB_PORT"),
		TiDBUser:     v.GetString("TIDB_USER"),
		TiDBPassword: v.GetString("TIDB_PASSWORD"),
		TiDBDatabase: v.GetString("TIDB_DATABASE"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetString("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		RedisTTL:      v.GetDuration("REDIS_TTL"),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
		LogOutput: v.GetString("LOG_OUTPUT"),

		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),
		TracingEnabled: v.GetBool("TRACING_ENABLED"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot run with
func (c *Config) Validate() error {
	if c.StorageBackend != BackendMemory && c.StorageBackend != BackendRemote {
		return fmt.Errorf("unknown STORAGE_BACKEND %q (want %q or %q)", c.StorageBackend, BackendMemory, BackendRemote)
	}
	if c.OriginURL == "" {
		return fmt.Errorf("ORIGIN_URL must be set")
	}
	if c.BatchSize < 3 {
		return fmt.Errorf("BATCH_SIZE must be at least 3, got %d", c.BatchSize)
	}
	if c.DownloadTimeout <= 0 {
		return fmt.Errorf("DOWNLOAD_TIMEOUT must be positive")
	}
	if c.DownloadMaxAttempts < 1 {
		return fmt.Errorf("DOWNLOAD_MAX_ATTEMPTS must be at least 1, got %d", c.DownloadMaxAttempts)
	}
	if c.RangeChunkMB < 1 || c.StreamChunkKB < 1 {
		return fmt.Errorf("RANGE_CHUNK_MB and STREAM_CHUNK_KB must be positive")
	}
	if c.CacheMaxCompleted < 1 {
		return fmt.Errorf("CACHE_MAX_COMPLETED must be at least 1, got %d", c.CacheMaxCompleted)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
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

// GetChunkSizeBytes returns the ranged-download chunk size in bytes
func (c *Config) GetChunkSizeBytes() int64 {
	return int64(c.RangeChunkMB) * 1024 * 1024
}

// GetStreamChunkBytes returns the streaming read size in bytes
func (c *Config) GetStreamChunkBytes() int {
	return c.StreamChunkKB * 1024
}
