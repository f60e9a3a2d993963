package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all process configuration, loaded from environment variables.
type Config struct {
	HTTPAddr    string
	Environment string
	LogLevel    string

	// Persistence
	DataDir    string
	SQLitePath string

	// NATS
	NATSURL string

	// Auth
	JWKSURL string

	// Webhooks
	WebhookBaseURL string
	GmailTopicName string

	// Workers
	IngestionWorkers int
	AnalyticsWorkers int
	AIWorkers        int
	JobMaxAttempts   int

	// Scheduler
	IngestionInterval time.Duration
	AnalyticsHour     int

	// AI tagging enqueue rate (jobs per second after a backfill)
	AITagRate float64
}

// Load reads configuration from the environment, applying defaults suited
// for local development.
func Load() *Config {
	return &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DataDir:    getEnv("DATA_DIR", "data"),
		SQLitePath: getEnv("SQLITE_PATH", "data/mailsync.db"),

		NATSURL: getEnv("NATS_URL", "nats://localhost:4222"),

		JWKSURL: getEnv("JWKS_URL", ""),

		WebhookBaseURL: getEnv("WEBHOOK_BASE_URL", ""),
		GmailTopicName: getEnv("GMAIL_PUBSUB_TOPIC", ""),

		IngestionWorkers: getEnvInt("INGESTION_WORKERS", 4),
		AnalyticsWorkers: getEnvInt("ANALYTICS_WORKERS", 2),
		AIWorkers:        getEnvInt("AI_WORKERS", 2),
		JobMaxAttempts:   getEnvInt("JOB_MAX_ATTEMPTS", 5),

		IngestionInterval: getEnvDuration("INGESTION_INTERVAL", 6*time.Hour),
		AnalyticsHour:     getEnvInt("ANALYTICS_HOUR", 1),

		AITagRate: getEnvFloat("AI_TAG_RATE", 2),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
