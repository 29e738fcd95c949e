package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	JWTExpiry   time.Duration
	LogLevel    string
	LogFormat   string

	Downstream DownstreamConfig
	Worker     WorkerConfig
	Retry      RetryConfig
}

type DownstreamConfig struct {
	TenantID         string
	CoreAPIURL       string
	AdminAPIURL      string
	AuthEndpoint     string
	ClientID         string
	ClientSecret     string
	Username         string
	Password         string
	Timeout          time.Duration
	MaxRetries       int
	PropagateDeletes bool
}

type WorkerConfig struct {
	Count        int
	QueueKey     string
	SyncInterval time.Duration
	SyncOnBoot   bool
	StaleAfter   time.Duration

	// JobStaleAfter is how long a RUNNING sync job may go unfinished before a new job
	// treats it as abandoned.
	JobStaleAfter time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func LoadConfig() (*Config, error) {
	var errs []error
	duration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, def))
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("invalid %s format", key))
		}
		return d
	}
	integer := func(key string, def int) int {
		n, err := strconv.Atoi(getEnv(key, strconv.Itoa(def)))
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be a non-negative integer", key))
		}
		return n
	}
	boolean := func(key string, def bool) bool {
		b, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(def)))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: must be a boolean", key))
		}
		return b
	}

	cfg := &Config{
		ServerPort:  getEnv("SERVER_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTExpiry:   duration("JWT_EXPIRY", "24h"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		Downstream: DownstreamConfig{
			TenantID:         os.Getenv("DOWNSTREAM_TENANT_ID"),
			CoreAPIURL:       os.Getenv("DOWNSTREAM_CORE_API_URL"),
			AdminAPIURL:      os.Getenv("DOWNSTREAM_ADMIN_API_URL"),
			AuthEndpoint:     os.Getenv("DOWNSTREAM_AUTH_ENDPOINT"),
			ClientID:         os.Getenv("DOWNSTREAM_AUTH_CLIENT_ID"),
			ClientSecret:     os.Getenv("DOWNSTREAM_AUTH_CLIENT_SECRET"),
			Username:         os.Getenv("DOWNSTREAM_AUTH_USERNAME"),
			Password:         os.Getenv("DOWNSTREAM_AUTH_PASSWORD"),
			Timeout:          duration("DOWNSTREAM_TIMEOUT", "120s"),
			MaxRetries:       integer("DOWNSTREAM_MAX_RETRIES", 3),
			PropagateDeletes: boolean("DOWNSTREAM_PROPAGATE_DELETES", false),
		},
		Worker: WorkerConfig{
			Count:        integer("WORKER_COUNT", 4),
			QueueKey:     getEnv("QUEUE_KEY", "auditrelay:events"),
			SyncInterval: duration("SYNC_INTERVAL", "15m"),
			SyncOnBoot:   boolean("SYNC_ON_BOOT", true),
			StaleAfter:   duration("PROCESSING_STALE_AFTER", "10m"),

			JobStaleAfter: duration("SYNC_JOB_STALE_AFTER", "2h"),
		},
		Retry: RetryConfig{
			MaxAttempts: integer("RETRY_MAX_ATTEMPTS", 8),
			BaseDelay:   duration("RETRY_BASE_DELAY", "30s"),
			MaxDelay:    duration("RETRY_MAX_DELAY", "1h"),
		},
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// Validate required fields
	required := []struct{ key, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"JWT_SECRET", cfg.JWTSecret},
		{"DOWNSTREAM_TENANT_ID", cfg.Downstream.TenantID},
		{"DOWNSTREAM_CORE_API_URL", cfg.Downstream.CoreAPIURL},
		{"DOWNSTREAM_ADMIN_API_URL", cfg.Downstream.AdminAPIURL},
		{"DOWNSTREAM_AUTH_ENDPOINT", cfg.Downstream.AuthEndpoint},
		{"DOWNSTREAM_AUTH_CLIENT_ID", cfg.Downstream.ClientID},
		{"DOWNSTREAM_AUTH_USERNAME", cfg.Downstream.Username},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, fmt.Errorf("%s is required", r.key)
		}
	}
	if cfg.Worker.Count == 0 {
		return nil, errors.New("WORKER_COUNT must be at least 1")
	}
	if cfg.Retry.MaxAttempts == 0 {
		return nil, errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	positive := []struct {
		key   string
		value time.Duration
	}{
		{"SYNC_INTERVAL", cfg.Worker.SyncInterval},
		{"PROCESSING_STALE_AFTER", cfg.Worker.StaleAfter},
		{"SYNC_JOB_STALE_AFTER", cfg.Worker.JobStaleAfter},
		{"DOWNSTREAM_TIMEOUT", cfg.Downstream.Timeout},
	}
	for _, p := range positive {
		if p.value == 0 {
			return nil, fmt.Errorf("%s must be positive", p.key)
		}
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
