package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"cryptoJournal/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all ledger configuration.
type Config struct {
	// Database
	DBPath string `yaml:"db_path"`

	// Matching
	MatchMaxRetries int    `yaml:"match_max_retries"` // Re-plans after a stale-inventory abort
	DefaultSource   string `yaml:"default_source"`    // Source tag for records without one

	// Logging
	LogLevel    logger.LogLevel `yaml:"-"`
	LogLevelStr string          `yaml:"log_level"`
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	cfg.DBPath = getEnv("DB_PATH", "./data/journal.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	retries, err := getEnvAsIntRequired("MATCH_MAX_RETRIES", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MATCH_MAX_RETRIES: %v", err))
	} else if retries <= 0 {
		errs = append(errs, "MATCH_MAX_RETRIES must be positive")
	}
	cfg.MatchMaxRetries = retries

	cfg.DefaultSource = getEnv("DEFAULT_SOURCE", "manual")

	cfg.LogLevelStr = getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(cfg.LogLevelStr)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file, with environment
// variables taking precedence for values they set. Used by the CLI.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		MatchMaxRetries: 5,
		DefaultSource:   "manual",
		LogLevelStr:     "INFO",
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevelStr = v
	}
	cfg.LogLevel = logger.ParseLevel(cfg.LogLevelStr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.MatchMaxRetries <= 0 {
		return fmt.Errorf("match_max_retries must be positive")
	}
	return nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}
