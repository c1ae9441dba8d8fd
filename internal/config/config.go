/**
 * Configuration for the OCR worker
 *
 * Loads configuration from environment variables matching .env.nexus
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Pipeline defaults
const (
	OCRRenderScale               = 4 // ~300 DPI
	OCRMaxPages                  = 80
	OCRPageTimeoutMs             = 30000
	OCRTotalTimeoutMs            = 300000
	OCRMinConfidence             = 40
	OCRRetryConfidenceThreshold  = 65
	OCRMaxBase64Length           = 50_000_000
	DefaultOCRLanguages          = "deu+eng"
	DefaultQueueName             = "ocr:jobs"
	DefaultResultCacheTTLSeconds = 3600
	jobTimeoutSlackMs            = 30000
)

// OCRConfig holds the pipeline budgets and recognition settings
type OCRConfig struct {
	RenderScale              float64
	MaxPages                 int
	PageTimeoutMs            int
	TotalTimeoutMs           int
	MinConfidence            float64
	RetryConfidenceThreshold float64
	MaxBase64Length          int
	Languages                string
	EngineConcurrency        int
	PageConcurrency          int
	TessdataPrefix           string
}

// PageTimeout returns the per-page recognition budget
func (c OCRConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutMs) * time.Millisecond
}

// TotalTimeout returns the whole-document budget
func (c OCRConfig) TotalTimeout() time.Duration {
	return time.Duration(c.TotalTimeoutMs) * time.Millisecond
}

// DefaultOCRConfig returns the pipeline settings with every constant at its
// documented default
func DefaultOCRConfig() OCRConfig {
	return OCRConfig{
		RenderScale:              OCRRenderScale,
		MaxPages:                 OCRMaxPages,
		PageTimeoutMs:            OCRPageTimeoutMs,
		TotalTimeoutMs:           OCRTotalTimeoutMs,
		MinConfidence:            OCRMinConfidence,
		RetryConfidenceThreshold: OCRRetryConfidenceThreshold,
		MaxBase64Length:          OCRMaxBase64Length,
		Languages:                DefaultOCRLanguages,
		EngineConcurrency:        1,
		PageConcurrency:          1,
	}
}

// Config holds worker configuration
type Config struct {
	// Redis configuration
	RedisURL string

	// PostgreSQL configuration, empty disables result persistence
	DatabaseURL string

	// Queue configuration
	QueueBackend string // "redis" or "asynq"
	QueueName    string

	// Worker configuration
	WorkerConcurrency int
	JobRateLimit      float64 // jobs per second, 0 = unlimited
	ResultCacheTTL    int     // seconds, 0 disables the cache

	OCR OCRConfig

	LogLevel string
}

// JobTimeout is the budget the queue consumers give a single job
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.OCR.TotalTimeoutMs+jobTimeoutSlackMs) * time.Millisecond
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	defaults := DefaultOCRConfig()

	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		QueueBackend:      getEnvOrDefault("QUEUE_BACKEND", "redis"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", DefaultQueueName),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		JobRateLimit:      getEnvAsFloatOrDefault("JOB_RATE_LIMIT", 0),
		ResultCacheTTL:    getEnvAsIntOrDefault("RESULT_CACHE_TTL", DefaultResultCacheTTLSeconds),
		OCR: OCRConfig{
			RenderScale:              getEnvAsFloatOrDefault("OCR_RENDER_SCALE", defaults.RenderScale),
			MaxPages:                 getEnvAsIntOrDefault("OCR_MAX_PAGES", defaults.MaxPages),
			PageTimeoutMs:            getEnvAsIntOrDefault("OCR_PAGE_TIMEOUT_MS", defaults.PageTimeoutMs),
			TotalTimeoutMs:           getEnvAsIntOrDefault("OCR_TOTAL_TIMEOUT_MS", defaults.TotalTimeoutMs),
			MinConfidence:            getEnvAsFloatOrDefault("OCR_MIN_CONFIDENCE", defaults.MinConfidence),
			RetryConfidenceThreshold: getEnvAsFloatOrDefault("OCR_RETRY_CONFIDENCE_THRESHOLD", defaults.RetryConfidenceThreshold),
			MaxBase64Length:          getEnvAsIntOrDefault("OCR_MAX_BASE64_LENGTH", defaults.MaxBase64Length),
			Languages:                getEnvOrDefault("OCR_LANGUAGES", defaults.Languages),
			EngineConcurrency:        getEnvAsIntOrDefault("OCR_ENGINE_CONCURRENCY", defaults.EngineConcurrency),
			PageConcurrency:          getEnvAsIntOrDefault("OCR_PAGE_CONCURRENCY", defaults.PageConcurrency),
			TessdataPrefix:           getEnvOrDefault("TESSDATA_PREFIX", ""),
		},
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.QueueBackend != "redis" && c.QueueBackend != "asynq" {
		return fmt.Errorf("QUEUE_BACKEND must be redis or asynq, got %q", c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.JobRateLimit < 0 {
		return fmt.Errorf("JOB_RATE_LIMIT must not be negative, got %v", c.JobRateLimit)
	}

	return c.OCR.Validate()
}

// Validate checks the pipeline settings
func (c OCRConfig) Validate() error {
	if c.RenderScale <= 0 || c.RenderScale > 8 {
		return fmt.Errorf("OCR_RENDER_SCALE must be in (0, 8], got %v", c.RenderScale)
	}

	if c.MaxPages < 1 {
		return fmt.Errorf("OCR_MAX_PAGES must be positive, got %d", c.MaxPages)
	}

	if c.PageTimeoutMs < 1 || c.TotalTimeoutMs < 1 {
		return fmt.Errorf("OCR timeouts must be positive (page=%d, total=%d)", c.PageTimeoutMs, c.TotalTimeoutMs)
	}

	if c.MinConfidence < 0 || c.MinConfidence > 100 {
		return fmt.Errorf("OCR_MIN_CONFIDENCE must be between 0 and 100, got %v", c.MinConfidence)
	}

	if c.RetryConfidenceThreshold < c.MinConfidence || c.RetryConfidenceThreshold > 100 {
		return fmt.Errorf("OCR_RETRY_CONFIDENCE_THRESHOLD must be between OCR_MIN_CONFIDENCE and 100, got %v", c.RetryConfidenceThreshold)
	}

	if c.MaxBase64Length < 1 {
		return fmt.Errorf("OCR_MAX_BASE64_LENGTH must be positive, got %d", c.MaxBase64Length)
	}

	if c.Languages == "" {
		return fmt.Errorf("OCR_LANGUAGES is required")
	}

	if c.EngineConcurrency < 1 || c.EngineConcurrency > 32 {
		return fmt.Errorf("OCR_ENGINE_CONCURRENCY must be between 1 and 32, got %d", c.EngineConcurrency)
	}

	if c.PageConcurrency < 1 || c.PageConcurrency > 32 {
		return fmt.Errorf("OCR_PAGE_CONCURRENCY must be between 1 and 32, got %d", c.PageConcurrency)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
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

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
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
