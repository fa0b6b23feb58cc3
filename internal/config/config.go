package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings, loaded from environment variables.
type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisURL string

	// AWS providers
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// Webhook provider
	WebhookTimeout time.Duration

	// Dispatch
	DispatchWorkers int           // concurrent (notification, channel) tasks
	ProviderTimeout time.Duration // per provider call

	// Retry
	RetryPollInterval time.Duration
	RetryBatchSize    int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration

	// API rate limiting (per organization)
	APIRateLimit  int
	APIRateWindow time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "herald",
		DBPassword: "",
		DBName:     "herald",
		DBSSLMode:  "disable",

		RedisURL: "redis://localhost:6379/0",

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@herald.local",

		WebhookTimeout: 30 * time.Second,

		DispatchWorkers: 32,
		ProviderTimeout: 10 * time.Second,

		RetryPollInterval: 5 * time.Second,
		RetryBatchSize:    50,
		RetryBaseDelay:    30 * time.Second,
		RetryMaxDelay:     10 * time.Minute,

		APIRateLimit:  300,
		APIRateWindow: time.Minute,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}
	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}
	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}
	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	// Webhook
	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = time.Duration(t) * time.Second
	}

	// Dispatch
	if workers := os.Getenv("DISPATCH_WORKERS"); workers != "" {
		w, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_WORKERS: %w", err)
		}
		cfg.DispatchWorkers = w
	}
	if timeout := os.Getenv("PROVIDER_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %w", err)
		}
		cfg.ProviderTimeout = time.Duration(t) * time.Second
	}

	// Retry
	if interval := os.Getenv("RETRY_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_POLL_INTERVAL: %w", err)
		}
		cfg.RetryPollInterval = d
	}
	if batch := os.Getenv("RETRY_BATCH_SIZE"); batch != "" {
		b, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BATCH_SIZE: %w", err)
		}
		cfg.RetryBatchSize = b
	}
	if base := os.Getenv("RETRY_BASE_DELAY"); base != "" {
		d, err := time.ParseDuration(base)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: %w", err)
		}
		cfg.RetryBaseDelay = d
	}
	if maxDelay := os.Getenv("RETRY_MAX_DELAY"); maxDelay != "" {
		d, err := time.ParseDuration(maxDelay)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_MAX_DELAY: %w", err)
		}
		cfg.RetryMaxDelay = d
	}

	// API rate limit
	if limit := os.Getenv("API_RATE_LIMIT"); limit != "" {
		l, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_LIMIT: %w", err)
		}
		cfg.APIRateLimit = l
	}
	if window := os.Getenv("API_RATE_WINDOW"); window != "" {
		d, err := time.ParseDuration(window)
		if err != nil {
			return nil, fmt.Errorf("invalid API_RATE_WINDOW: %w", err)
		}
		cfg.APIRateWindow = d
	}

	return cfg, nil
}
