package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	Mirror      MirrorConfig
	Ingest      IngestConfig
	Verify      VerifyConfig
	Session     SessionConfig
	RabbitMQ    RabbitMQConfig
	Database    DatabaseConfig
	Stats       StatsConfig
}

// MirrorConfig holds indexing-service connection settings
type MirrorConfig struct {
	BaseURL        string
	TopicID        string
	RequestTimeout time.Duration
	BreakerFails   int
	BreakerOpenFor time.Duration
}

// IngestConfig holds log-polling settings
type IngestConfig struct {
	PollInterval  time.Duration
	PageSize      int
	MaxRetries    int
	MaxBackoff    time.Duration
	StartSequence int64
}

// VerifyConfig holds verification settings
type VerifyConfig struct {
	MaxTimestampDrift  time.Duration
	MaxSessionDuration time.Duration
	SpikeThreshold     float64
	SpikeMinSamples    int
}

// SessionConfig holds session lifecycle settings
type SessionConfig struct {
	SweepInterval      time.Duration
	SessionTimeout     time.Duration
	MaxSessionDuration time.Duration
	Retention          time.Duration
}

// RabbitMQConfig holds fan-out broker settings
type RabbitMQConfig struct {
	URL            string
	FanoutExchange string
}

// DatabaseConfig holds billing-archive settings. An empty URL disables
// archiving.
type DatabaseConfig struct {
	URL string
}

// StatsConfig holds periodic maintenance settings
type StatsConfig struct {
	PublishInterval time.Duration
	CleanupInterval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "water-dispense-worker"),
		Mirror: MirrorConfig{
			BaseURL:        getEnv("MIRROR_BASE_URL", ""),
			TopicID:        getEnv("MIRROR_TOPIC_ID", ""),
			RequestTimeout: getEnvAsDuration("MIRROR_REQUEST_TIMEOUT", 10*time.Second),
			BreakerFails:   getEnvAsInt("MIRROR_BREAKER_FAILS", 5),
			BreakerOpenFor: getEnvAsDuration("MIRROR_BREAKER_OPEN_FOR", 30*time.Second),
		},
		Ingest: IngestConfig{
			PollInterval:  getEnvAsDuration("INGEST_POLL_INTERVAL", 10*time.Second),
			PageSize:      getEnvAsInt("INGEST_PAGE_SIZE", 100),
			MaxRetries:    getEnvAsInt("INGEST_MAX_RETRIES", 5),
			MaxBackoff:    getEnvAsDuration("INGEST_MAX_BACKOFF", 60*time.Second),
			StartSequence: int64(getEnvAsInt("INGEST_START_SEQUENCE", 0)),
		},
		Verify: VerifyConfig{
			MaxTimestampDrift:  getEnvAsDuration("VERIFY_MAX_TIMESTAMP_DRIFT", 5*time.Minute),
			MaxSessionDuration: getEnvAsDuration("VERIFY_MAX_SESSION_DURATION", time.Hour),
			SpikeThreshold:     getEnvAsFloat("VERIFY_SPIKE_THRESHOLD", 3.0),
			SpikeMinSamples:    getEnvAsInt("VERIFY_SPIKE_MIN_SAMPLES", 3),
		},
		Session: SessionConfig{
			SweepInterval:      getEnvAsDuration("SESSION_SWEEP_INTERVAL", 60*time.Second),
			SessionTimeout:     getEnvAsDuration("SESSION_INACTIVITY_TIMEOUT", 5*time.Minute),
			MaxSessionDuration: getEnvAsDuration("SESSION_MAX_DURATION", 30*time.Minute),
			Retention:          getEnvAsDuration("SESSION_RETENTION", 24*time.Hour),
		},
		RabbitMQ: RabbitMQConfig{
			URL:            getEnv("RABBITMQ_URL", ""),
			FanoutExchange: getEnv("RABBITMQ_FANOUT_EXCHANGE", "water-dispense.state.exchange"),
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Stats: StatsConfig{
			PublishInterval: getEnvAsDuration("STATS_PUBLISH_INTERVAL", 60*time.Second),
			CleanupInterval: getEnvAsDuration("TRACKING_CLEANUP_INTERVAL", 10*time.Minute),
		},
	}

	// Validate required fields
	if cfg.Mirror.BaseURL == "" {
		return nil, fmt.Errorf("MIRROR_BASE_URL is required but not set in environment variables")
	}
	if cfg.Mirror.TopicID == "" {
		return nil, fmt.Errorf("MIRROR_TOPIC_ID is required but not set in environment variables")
	}
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required but not set in environment variables")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
