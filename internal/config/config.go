package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"forge/internal/models"
)

// Config holds all application configuration
type Config struct {
	Port     string
	DBPath   string // sqlite database file shared with the training scripts
	DataDir  string // daily audit/trace JSONL files
	RedisURL string // optional; enables activation fan-out and redis rate limiting

	// Serving backend (hosts the active trained model, OpenAI-compatible)
	ServingBaseURL string
	ServingAPIKey  string
	ServingModel   string

	// Shadow backend (the "other" LLM queried for training pairs)
	ShadowBaseURL string
	ShadowAPIKey  string
	ShadowModel   string

	// Shadow collector
	ShadowMaxInflight int
	ShadowTimeout     time.Duration
	ShadowRequireCode bool
	ShadowRatePerSec  float64 // 0 disables the rate cap

	// Auto-trainer
	TrainThreshold      int
	PollInterval        time.Duration
	CooldownHours       float64
	MaxConsecFailures   int
	RegressionThreshold float64
	PipelineDir         string // working directory holding the train scripts
	StageTimeout        time.Duration

	// Gateway
	APIKeys         []string // comma-separated FORGE_API_KEYS
	APIKeyFile      string   // one key per line, # comments ignored
	RateLimitPerMin int
	DomainsFile     string

	// Self-iteration
	MaxIterations int
	TestTimeout   time.Duration

	// Telegram notification sink
	TelegramBotToken string
	TelegramChatID   int64
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	var apiKeys []string
	if raw := getEnv("FORGE_API_KEYS", ""); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			if k = strings.TrimSpace(k); k != "" {
				apiKeys = append(apiKeys, k)
			}
		}
	}

	return &Config{
		Port:     getEnv("PORT", "8090"),
		DBPath:   getEnv("FORGE_DB_PATH", "forge.db"),
		DataDir:  getEnv("FORGE_DATA_DIR", "data"),
		RedisURL: getEnv("REDIS_URL", ""),

		ServingBaseURL: getEnv("SERVING_BASE_URL", "http://localhost:8080/v1"),
		ServingAPIKey:  getEnv("SERVING_API_KEY", ""),
		ServingModel:   getEnv("SERVING_MODEL", "forge-local"),

		ShadowBaseURL: getEnv("SHADOW_BASE_URL", ""),
		ShadowAPIKey:  getEnv("SHADOW_API_KEY", ""),
		ShadowModel:   getEnv("SHADOW_MODEL", ""),

		ShadowMaxInflight: getIntEnv("SHADOW_MAX_INFLIGHT", 3),
		ShadowTimeout:     getDurationEnv("SHADOW_TIMEOUT", 120*time.Second),
		ShadowRequireCode: getBoolEnv("SHADOW_REQUIRE_CODE", false),
		ShadowRatePerSec:  getFloatEnv("SHADOW_RATE_PER_SEC", 0),

		TrainThreshold:      getIntEnv("TRAIN_THRESHOLD", 50),
		PollInterval:        getDurationEnv("TRAIN_POLL_INTERVAL", 300*time.Second),
		CooldownHours:       getFloatEnv("TRAIN_COOLDOWN_HOURS", 4),
		MaxConsecFailures:   getIntEnv("TRAIN_MAX_FAILURES", 3),
		RegressionThreshold: getFloatEnv("TRAIN_REGRESSION_THRESHOLD", 5),
		PipelineDir:         getEnv("TRAIN_PIPELINE_DIR", "training"),
		StageTimeout:        getDurationEnv("TRAIN_STAGE_TIMEOUT", 2*time.Hour),

		APIKeys:         apiKeys,
		APIKeyFile:      getEnv("FORGE_API_KEY_FILE", ""),
		RateLimitPerMin: getIntEnv("RATE_LIMIT_PER_MIN", 60),
		DomainsFile:     getEnv("FORGE_DOMAINS_FILE", ""),

		MaxIterations: getIntEnv("SELF_ITER_MAX", 3),
		TestTimeout:   getDurationEnv("SELF_ITER_TEST_TIMEOUT", 10*time.Second),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getInt64Env("TELEGRAM_CHAT_ID", 0),
	}
}

// LoadDomains loads the gateway domains configuration from a JSON file.
// When filePath is empty a single default domain built from the serving
// backend settings is returned.
func (c *Config) LoadDomains(filePath string) (*models.DomainsConfig, error) {
	if filePath == "" {
		return &models.DomainsConfig{
			Default: "coding",
			Domains: []models.Domain{{
				Name:         "coding",
				Model:        c.ServingModel,
				SystemPrompt: "You are a precise coding assistant. Prefer complete, runnable code in fenced blocks.",
			}},
		}, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read domains file: %w", err)
	}

	var config models.DomainsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse domains JSON: %w", err)
	}
	if len(config.Domains) == 0 {
		return nil, fmt.Errorf("domains file %s defines no domains", filePath)
	}
	if config.Default == "" {
		config.Default = config.Domains[0].Name
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		// Accept either a Go duration ("300s", "4h") or a bare second count
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
