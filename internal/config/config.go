// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir          string // Base directory for databases and checkpoints (always absolute)
	EvaluatorURL     string // External valuation evaluator service
	OutcomeFeedURL   string // Historical outcome feed service
	RedisAddr        string // Optional accuracy-stats cache backend ("" = in-memory)
	LogLevel         string
	Port             int
	DevMode          bool
	Tenant           string // Weight-store tenant key
	ScenarioFile     string // Optional YAML override for scenario parameters
	TrainerSchedule  string // Cron expression for the weight trainer
	OutcomeSchedule  string // Cron expression for outcome resolution
	Trainer          TrainerConfig
	Alerts           AlertConfig
	CellTimeout      time.Duration // Per (method, scenario) cell deadline
	CellConcurrency  int           // Bounded fan-out width
	MeasurementDays  int           // Horizon between prediction and outcome
	AccuracyLookback int           // Trailing days of accuracy stats fed to feature extraction
	AccuracyStatsTTL time.Duration // Cache TTL for accuracy statistics
	Archive          ArchiveConfig
}

// TrainerConfig holds weight-trainer thresholds and budgets.
type TrainerConfig struct {
	WindowDays       int // Trailing collection window
	MinSamples       int // Below this the job aborts
	Epochs           int // Fixed epoch budget
	LearningRate     float64
	MinValidationAcc float64 // Deploy gate
	Alpha            float64 // Exponential smoothing factor
	SignificanceP    float64 // A/B alpha
}

// AlertConfig holds mispricing alert thresholds.
type AlertConfig struct {
	MinConviction float64 // Default 70
	MinMispricing float64 // Absolute fraction, default 0.10
}

// ArchiveConfig holds checkpoint archive (S3-compatible) settings.
type ArchiveConfig struct {
	Enabled   bool
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FAIRVAL_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:          absDataDir,
		EvaluatorURL:     getEnv("EVALUATOR_SERVICE_URL", "http://localhost:9000"),
		OutcomeFeedURL:   getEnv("OUTCOME_FEED_URL", "http://localhost:9100"),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Port:             getEnvAsInt("FAIRVAL_PORT", 8002),
		DevMode:          getEnvAsBool("DEV_MODE", false),
		Tenant:           getEnv("FAIRVAL_TENANT", "default"),
		ScenarioFile:     getEnv("SCENARIO_FILE", ""),
		TrainerSchedule:  getEnv("TRAINER_SCHEDULE", "0 0 3 * * SUN"),
		OutcomeSchedule:  getEnv("OUTCOME_SCHEDULE", "0 30 2 * * *"),
		CellTimeout:      getEnvAsDuration("CELL_TIMEOUT", 10*time.Second),
		CellConcurrency:  getEnvAsInt("CELL_CONCURRENCY", 8),
		MeasurementDays:  getEnvAsInt("MEASUREMENT_DAYS", 90),
		AccuracyLookback: getEnvAsInt("ACCURACY_LOOKBACK_DAYS", 90),
		AccuracyStatsTTL: getEnvAsDuration("ACCURACY_STATS_TTL", 5*time.Minute),
		Trainer: TrainerConfig{
			WindowDays:       getEnvAsInt("TRAINER_WINDOW_DAYS", 180),
			MinSamples:       getEnvAsInt("TRAINER_MIN_SAMPLES", 50),
			Epochs:           getEnvAsInt("TRAINER_EPOCHS", 200),
			LearningRate:     getEnvAsFloat("TRAINER_LEARNING_RATE", 0.01),
			MinValidationAcc: getEnvAsFloat("TRAINER_MIN_VALIDATION_ACC", 0.70),
			Alpha:            getEnvAsFloat("TRAINER_SMOOTHING_ALPHA", 0.3),
			SignificanceP:    getEnvAsFloat("TRAINER_SIGNIFICANCE_P", 0.05),
		},
		Alerts: AlertConfig{
			MinConviction: getEnvAsFloat("ALERT_MIN_CONVICTION", 70),
			MinMispricing: getEnvAsFloat("ALERT_MIN_MISPRICING", 0.10),
		},
		Archive: ArchiveConfig{
			Enabled:   getEnvAsBool("ARCHIVE_ENABLED", false),
			Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
			Bucket:    getEnv("ARCHIVE_BUCKET", "fairval-checkpoints"),
			AccessKey: getEnv("ARCHIVE_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_SECRET_KEY", ""),
		},
	}

	if cfg.CellConcurrency < 1 {
		cfg.CellConcurrency = 1
	}

	return cfg, nil
}

// getEnv retrieves an environment variable with a fallback default
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as an integer
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsFloat retrieves an environment variable as a float
func getEnvAsFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsBool retrieves an environment variable as a boolean
func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsDuration retrieves an environment variable as a duration
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
