package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("REDIS_URL")
	os.Unsetenv("DISPATCH_WORKERS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("unexpected redis url %s", cfg.RedisURL)
	}
	if cfg.DispatchWorkers != 32 {
		t.Errorf("expected 32 dispatch workers, got %d", cfg.DispatchWorkers)
	}
	if cfg.RetryBaseDelay != 30*time.Second {
		t.Errorf("expected 30s retry base delay, got %s", cfg.RetryBaseDelay)
	}
	if cfg.RetryMaxDelay != 10*time.Minute {
		t.Errorf("expected 10m retry max delay, got %s", cfg.RetryMaxDelay)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("REDIS_URL", "redis://cache.internal:6380/2")
	os.Setenv("DISPATCH_WORKERS", "8")
	os.Setenv("RETRY_BASE_DELAY", "1m")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("REDIS_URL")
		os.Unsetenv("DISPATCH_WORKERS")
		os.Unsetenv("RETRY_BASE_DELAY")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.RedisURL != "redis://cache.internal:6380/2" {
		t.Errorf("unexpected redis url %s", cfg.RedisURL)
	}
	if cfg.DispatchWorkers != 8 {
		t.Errorf("expected 8 dispatch workers, got %d", cfg.DispatchWorkers)
	}
	if cfg.RetryBaseDelay != time.Minute {
		t.Errorf("expected 1m retry base delay, got %s", cfg.RetryBaseDelay)
	}
}

func TestLoad_SNSRegionFallsBackToAWSRegion(t *testing.T) {
	os.Setenv("AWS_REGION", "eu-west-1")
	os.Unsetenv("SNS_REGION")
	defer os.Unsetenv("AWS_REGION")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.SNSRegion != "eu-west-1" {
		t.Errorf("expected SNS region to inherit eu-west-1, got %s", cfg.SNSRegion)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "not-a-number"},
		{"bad workers", "DISPATCH_WORKERS", "many"},
		{"bad retry delay", "RETRY_BASE_DELAY", "soon"},
		{"bad rate window", "API_RATE_WINDOW", "1 minute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Setenv(tt.key, tt.value)
			defer os.Unsetenv(tt.key)

			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
