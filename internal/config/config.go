// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration shared by the backend, the console
// and the development supervisor. Each binary reads only the fields it needs.
type Config struct {
	DataDir     string // Base directory for SQLite files (always absolute)
	LogLevel    string
	Port        int
	DevMode     bool
	FrontendURL string // Externally reachable console URL, used for connection redirects
	BackendURL  string // Backend base URL as seen by the console
	Aggregator  AggregatorConfig
	Scheduler   SchedulerConfig
	Supervisor  SupervisorConfig
}

// AggregatorConfig holds the credentials and limits for the brokerage
// aggregation service.
type AggregatorConfig struct {
	BaseURL           string
	ClientID          string
	ConsumerKey       string
	RequestsPerSecond float64
	Timeout           time.Duration
}

// SchedulerConfig holds cron schedules for backend background jobs
type SchedulerConfig struct {
	UpstreamStatusSchedule string
}

// SupervisorConfig holds the commands the development supervisor spawns
type SupervisorConfig struct {
	BackendCommand  []string
	BackendDir      string
	FrontendCommand []string
	FrontendDir     string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:     absDataDir,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Port:        getEnvAsInt("PORT", 8000),
		DevMode:     getEnvAsBool("DEV_MODE", false),
		FrontendURL: strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),
		// BACKEND_URL and API_BASE_URL are equivalent spellings
		BackendURL: strings.TrimRight(getEnv("BACKEND_URL", getEnv("API_BASE_URL", "http://localhost:8000")), "/"),
		Aggregator: AggregatorConfig{
			BaseURL:           strings.TrimRight(getEnv("AGGREGATOR_BASE_URL", "https://api.snaptrade.com/api/v1"), "/"),
			ClientID:          getEnv("AGGREGATOR_CLIENT_ID", ""),
			ConsumerKey:       getEnv("AGGREGATOR_CONSUMER_KEY", ""),
			RequestsPerSecond: getEnvAsFloat("AGGREGATOR_RPS", 5),
			Timeout:           time.Duration(getEnvAsInt("AGGREGATOR_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Scheduler: SchedulerConfig{
			UpstreamStatusSchedule: getEnv("UPSTREAM_STATUS_SCHEDULE", "@every 1m"),
		},
		Supervisor: SupervisorConfig{
			BackendCommand:  getEnvAsFields("BACKEND_COMMAND", []string{"go", "run", "./cmd/server"}),
			BackendDir:      getEnv("BACKEND_DIR", "."),
			FrontendCommand: getEnvAsFields("FRONTEND_COMMAND", []string{"go", "run", "./cmd/console"}),
			FrontendDir:     getEnv("FRONTEND_DIR", "."),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.Aggregator.RequestsPerSecond <= 0 {
		return fmt.Errorf("AGGREGATOR_RPS must be positive, got %v", c.Aggregator.RequestsPerSecond)
	}
	if len(c.Supervisor.BackendCommand) == 0 || len(c.Supervisor.FrontendCommand) == 0 {
		return fmt.Errorf("BACKEND_COMMAND and FRONTEND_COMMAND must not be empty")
	}

	// Aggregator credentials are optional: the console and the supervisor
	// never talk to the aggregator, and the backend reports them as missing.
	return nil
}

// HasAggregatorCredentials reports whether both app credentials are set
func (c *Config) HasAggregatorCredentials() bool {
	return c.Aggregator.ClientID != "" && c.Aggregator.ConsumerKey != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsFields(key string, defaultValue []string) []string {
	if value := strings.Fields(os.Getenv(key)); len(value) > 0 {
		return value
	}
	return defaultValue
}
