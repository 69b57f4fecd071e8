package common

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/racai-ai/saroj/constants"
)

// Config holds all application configuration
type Config struct {
	Queue    QueueConfig
	Server   ServerConfig
	Pipeline PipelineConfig
	Journal  JournalConfig
	Client   ClientConfig
}

// QueueConfig holds task storage and discovery loop configuration
type QueueConfig struct {
	Root         string
	PollInterval time.Duration
	KeepWorkDirs bool
}

// ServerConfig holds the daemon listen addresses
type ServerConfig struct {
	HTTPAddr string
	GRPCAddr string
}

// PipelineConfig holds pipeline step configuration
type PipelineConfig struct {
	DefinitionPath  string
	StepTimeout     time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// JournalConfig holds the transition journal / lease database configuration
type JournalConfig struct {
	DSN      string
	LeaseTTL time.Duration
}

// ClientConfig holds PollingClient configuration used by anonctl
type ClientConfig struct {
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	root := getEnv("SAROJ_ROOT", "./tasks")
	return &Config{
		Queue: QueueConfig{
			Root:         root,
			PollInterval: getEnvAsDuration("POLL_INTERVAL", time.Second),
			KeepWorkDirs: getEnvAsBool("KEEP_WORK_DIRS", false),
		},
		Server: ServerConfig{
			HTTPAddr: getEnv("HTTP_ADDR", ":8111"),
			GRPCAddr: getEnv("GRPC_ADDR", ":8112"),
		},
		Pipeline: PipelineConfig{
			DefinitionPath:  getEnv("PIPELINE_CONFIG", "pipeline.yaml"),
			StepTimeout:     getEnvAsDuration("STEP_TIMEOUT", 60*time.Second),
			BreakerFailures: uint32(getEnvAsInt("BREAKER_FAILURES", 5)),
			BreakerCooldown: getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Journal: JournalConfig{
			DSN:      getEnv("JOURNAL_DSN", filepath.Join(root, constants.JournalFileName)),
			LeaseTTL: getEnvAsDuration("LEASE_TTL", 30*time.Second),
		},
		Client: ClientConfig{
			BaseURL:      getEnv("SAROJ_URL", "http://127.0.0.1:8111"),
			PollInterval: getEnvAsDuration("CLIENT_POLL_INTERVAL", time.Second),
			Timeout:      getEnvAsDuration("CLIENT_TIMEOUT", 60*time.Second),
		},
	}
}

// Helper functions for environment variable parsing
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
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the daemon configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Queue.Root) == "" {
		return NewAppError("CONFIG_ERROR", "SAROJ_ROOT is required", ErrInvalidInput)
	}
	if c.Queue.PollInterval <= 0 {
		return NewAppError("CONFIG_ERROR", "POLL_INTERVAL must be positive", ErrInvalidInput)
	}
	if c.Pipeline.DefinitionPath == "" {
		return NewAppError("CONFIG_ERROR", "PIPELINE_CONFIG is required", ErrInvalidInput)
	}
	if c.Pipeline.StepTimeout <= 0 {
		return NewAppError("CONFIG_ERROR", "STEP_TIMEOUT must be positive", ErrInvalidInput)
	}
	if c.Server.HTTPAddr == "" {
		return NewAppError("CONFIG_ERROR", "HTTP_ADDR is required", ErrInvalidInput)
	}
	if c.Journal.DSN == "" {
		return NewAppError("CONFIG_ERROR", "JOURNAL_DSN is required", ErrInvalidInput)
	}
	if c.Journal.LeaseTTL < c.Queue.PollInterval {
		return NewAppError("CONFIG_ERROR", "LEASE_TTL must be at least POLL_INTERVAL", ErrInvalidInput)
	}
	return nil
}
