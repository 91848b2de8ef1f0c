// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Storage  StorageConfig
	LLM      LLMConfig
	Ingest   IngestConfig
	Chat     ChatConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int
	Environment     string
	ShutdownTimeout int
}

// DatabaseConfig holds Postgres configuration.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider        string
	AnthropicKey    string
	OpenAIKey       string
	Model           string
	EmbeddingModel  string
	MaxTokens       int
	OllamaBaseURL   string
	LMStudioBaseURL string
	Temperature     float64
	// Vision providers tried in order when describing image sources.
	VisionProvider         string
	VisionFallbackProvider string
}

// IngestConfig holds ingestion pipeline tunables.
type IngestConfig struct {
	ChunkSize       int
	ChunkOverlap    int
	FetchTimeout    int // seconds
	MaxStoredChars  int
	PreviewChars    int
	MaxSourceImages int
	UserAgent       string
}

// ChatConfig holds agent loop tunables.
type ChatConfig struct {
	MaxToolSteps   int
	MatchCount     int
	MatchThreshold float64
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvAsInt("PORT", 8080),
			Environment:     getEnv("ENVIRONMENT", "development"),
			ShutdownTimeout: getEnvAsInt("SHUTDOWN_TIMEOUT", 30),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "quill"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "quill"),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "quill-sources"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
		},
		LLM: LLMConfig{
			Provider:               getEnv("LLM_PROVIDER", "anthropic"),
			AnthropicKey:           getEnv("ANTHROPIC_API_KEY", ""),
			OpenAIKey:              getEnv("OPENAI_API_KEY", ""),
			Model:                  getEnv("LLM_MODEL", "claude-sonnet-4-20250514"),
			EmbeddingModel:         getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			MaxTokens:              getEnvAsInt("LLM_MAX_TOKENS", 4096),
			OllamaBaseURL:          getEnv("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
			LMStudioBaseURL:        getEnv("LMSTUDIO_BASE_URL", "http://localhost:1234/v1"),
			Temperature:            getEnvAsFloat("LLM_TEMPERATURE", 0.3),
			VisionProvider:         getEnv("VISION_PROVIDER", "anthropic"),
			VisionFallbackProvider: getEnv("VISION_FALLBACK_PROVIDER", "openai"),
		},
		Ingest: IngestConfig{
			ChunkSize:       getEnvAsInt("CHUNK_SIZE", 1500),
			ChunkOverlap:    getEnvAsInt("CHUNK_OVERLAP", 200),
			FetchTimeout:    getEnvAsInt("FETCH_TIMEOUT", 15),
			MaxStoredChars:  getEnvAsInt("MAX_STORED_CHARS", 15000),
			PreviewChars:    getEnvAsInt("PREVIEW_CHARS", 500),
			MaxSourceImages: getEnvAsInt("MAX_SOURCE_IMAGES", 3),
			UserAgent:       getEnv("FETCH_USER_AGENT", defaultUserAgent),
		},
		Chat: ChatConfig{
			MaxToolSteps:   getEnvAsInt("CHAT_MAX_TOOL_STEPS", 5),
			MatchCount:     getEnvAsInt("CHAT_MATCH_COUNT", 10),
			MatchThreshold: getEnvAsFloat("CHAT_MATCH_THRESHOLD", 0.7),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.LLM.AnthropicKey == "" && c.LLM.OpenAIKey == "" {
			return fmt.Errorf("either ANTHROPIC_API_KEY or OPENAI_API_KEY must be set in production")
		}
	}
	if c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		return fmt.Errorf("CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", c.Ingest.ChunkOverlap, c.Ingest.ChunkSize)
	}
	return nil
}

// DSN returns the Postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
