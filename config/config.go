// Package config loads the explicit runtime configuration record. It is
// loaded once at startup and passed to components; nothing here is a
// process-wide singleton.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the accounting agent.
type Config struct {
	Port        string
	Environment string
	DatabaseDSN string
	APIKey      string
	LogFilePath string

	ERP        ERPConfig
	Dispatcher DispatcherConfig
	Reports    ReportConfig
	LLM        LLMConfig
}

// ERPConfig controls the upstream ERP read client.
type ERPConfig struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	QPS         float64
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DispatcherConfig controls the run dispatcher worker pool.
type DispatcherConfig struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	StepTimeout time.Duration
	QueueSize   int
}

// ReportConfig controls where report snapshot artifacts are written.
type ReportConfig struct {
	OutputDir string
}

// LLMConfig gates the optional classification refiner. The rule-based
// result stays authoritative whenever the refiner fails or is disabled.
type LLMConfig struct {
	Enable   bool
	Endpoint string
	Model    string
	Timeout  time.Duration
}

// FromEnv loads configuration from environment variables required by the service.
func FromEnv() (*Config, error) {
	port := getEnvDefault("ACCT_PORT", "8080")

	dsn := os.Getenv("ACCT_DB_DSN")
	if dsn == "" {
		return nil, fmt.Errorf("ACCT_DB_DSN is required")
	}

	erpBase := os.Getenv("ACCT_ERP_BASE_URL")
	if erpBase == "" {
		return nil, fmt.Errorf("ACCT_ERP_BASE_URL is required")
	}

	erpTimeout := parseIntEnv("ACCT_ERP_TIMEOUT_SECONDS", 15)
	if erpTimeout <= 0 {
		return nil, fmt.Errorf("invalid ACCT_ERP_TIMEOUT_SECONDS %d", erpTimeout)
	}

	qps := parseFloatEnv("ACCT_ERP_QPS", 10)
	if qps < 0 {
		qps = 0
	}

	attempts := parseIntEnv("ACCT_ERP_MAX_ATTEMPTS", 3)
	backoffBaseMs := parseIntEnv("ACCT_ERP_BACKOFF_BASE_MS", 500)
	backoffMaxSec := parseIntEnv("ACCT_ERP_BACKOFF_MAX_SECONDS", 10)

	workers := parseIntEnv("ACCT_DISPATCH_WORKERS", 4)
	if workers <= 0 {
		workers = 1
	}
	dispatchAttempts := parseIntEnv("ACCT_DISPATCH_MAX_ATTEMPTS", 3)
	if dispatchAttempts <= 0 {
		dispatchAttempts = 1
	}
	dispatchBackoffMs := parseIntEnv("ACCT_DISPATCH_BACKOFF_MS", 1000)
	stepTimeout := parseIntEnv("ACCT_STEP_TIMEOUT_SECONDS", 60)
	queueSize := parseIntEnv("ACCT_DISPATCH_QUEUE_SIZE", 256)

	llmTimeout := parseIntEnv("ACCT_LLM_TIMEOUT_SECONDS", 8)

	return &Config{
		Port:        normalizePort(port),
		Environment: strings.TrimSpace(os.Getenv("ACCT_ENV")),
		DatabaseDSN: dsn,
		APIKey:      strings.TrimSpace(os.Getenv("ACCT_API_KEY")),
		LogFilePath: strings.TrimSpace(os.Getenv("ACCT_LOG_FILE")),
		ERP: ERPConfig{
			BaseURL:     erpBase,
			APIKey:      strings.TrimSpace(os.Getenv("ACCT_ERP_API_KEY")),
			Timeout:     time.Duration(erpTimeout) * time.Second,
			QPS:         qps,
			MaxAttempts: attempts,
			BackoffBase: time.Duration(backoffBaseMs) * time.Millisecond,
			BackoffMax:  time.Duration(backoffMaxSec) * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Workers:     workers,
			MaxAttempts: dispatchAttempts,
			Backoff:     time.Duration(dispatchBackoffMs) * time.Millisecond,
			StepTimeout: time.Duration(stepTimeout) * time.Second,
			QueueSize:   queueSize,
		},
		Reports: ReportConfig{
			OutputDir: getEnvDefault("ACCT_REPORT_OUTPUT_DIR", "acct-data-local/reports"),
		},
		LLM: LLMConfig{
			Enable:   parseBoolEnv("ACCT_LLM_REFINE_ENABLE", false),
			Endpoint: strings.TrimSpace(os.Getenv("ACCT_LLM_ENDPOINT")),
			Model:    getEnvDefault("ACCT_LLM_MODEL", "gpt-4o-mini"),
			Timeout:  time.Duration(llmTimeout) * time.Second,
		},
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func normalizePort(port string) string {
	if port == "" {
		return "8080"
	}
	if _, err := strconv.Atoi(port); err == nil {
		return port
	}
	// Allow values like ":8080".
	if len(port) > 0 && port[0] == ':' {
		return port[1:]
	}
	return port
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseFloatEnv(key string, def float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
