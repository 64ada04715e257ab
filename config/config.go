package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Provider credentials. The core never reads these; cmd/cosmic
	// turns them into invocation capabilities.
	DeepSeekAPIKey  string
	AnthropicAPIKey string
	XAIAPIKey       string

	// Human oracle
	EnableHumanOracle bool

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitQPM int64 // queries per minute, default: 120
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		DeepSeekAPIKey:       os.Getenv("DEEPSEEK_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		XAIAPIKey:            os.Getenv("XAI_API_KEY"),
		EnableHumanOracle:    getEnv("ENABLE_HUMAN_ORACLE", "false") == "true",
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	qpmStr := getEnv("DEFAULT_RATE_LIMIT_QPM", "120")
	qpm, err := strconv.ParseInt(qpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_QPM: %w", err)
	}
	cfg.DefaultRateLimitQPM = qpm

	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
