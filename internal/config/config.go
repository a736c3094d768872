package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string

	ChatModel       string
	ChatTemperature float64
	MaxRetries      int
	RetryBaseDelay  time.Duration

	DatabaseURL string
	HTTPPort    string
	LogLevel    string

	DocumentsDir   string
	WatchDocuments bool
	AutoReindex    bool
	TutorConfig    string

	EmbeddingProvider  string // "openai" or "gemini"
	EmbeddingModel     string
	EmbeddingRate      float64 // requests per second
	EmbeddingBatchSize int
	GeminiAPIKey       string

	TranscriptionModel    string
	TranscriptionLanguage string
}

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultChatModel     = "gpt-4-turbo"
)

var debug atomic.Bool

// Load reads the process configuration. A missing OpenAI key is not an
// error: the application starts in degraded mode until one is saved.
func Load() (*Config, error) {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:         strings.TrimSuffix(getEnv("OPENAI_BASE_URL", DefaultOpenAIBaseURL), "/"),
		ChatModel:             getEnv("CHAT_MODEL", DefaultChatModel),
		ChatTemperature:       getEnvAsFloat("CHAT_TEMPERATURE", 0),
		MaxRetries:            getEnvAsInt("LLM_MAX_RETRIES", 5),
		RetryBaseDelay:        getEnvAsDuration("LLM_RETRY_BASE_DELAY", 2*time.Second),
		DatabaseURL:           getEnv("DATABASE_URL", "tutor_chat.db"),
		HTTPPort:              getEnv("HTTP_PORT", "8080"),
		LogLevel:              strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),
		DocumentsDir:          getEnv("DOCUMENTS_DIR", "arquivos"),
		WatchDocuments:        getEnvAsBool("WATCH_DOCUMENTS", true),
		AutoReindex:           getEnvAsBool("AUTO_REINDEX", false),
		TutorConfig:           getEnv("TUTOR_CONFIG", "tutor.yaml"),
		EmbeddingProvider:     strings.ToLower(getEnv("EMBEDDING_PROVIDER", "openai")),
		EmbeddingModel:        getEnv("EMBEDDING_MODEL", ""),
		EmbeddingRate:         getEnvAsFloat("EMBEDDING_RATE_PER_SEC", 25),
		EmbeddingBatchSize:    getEnvAsInt("EMBEDDING_BATCH_SIZE", 64),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		TranscriptionModel:    getEnv("TRANSCRIPTION_MODEL", "whisper-1"),
		TranscriptionLanguage: getEnv("TRANSCRIPTION_LANGUAGE", "pt"),
	}

	if cfg.EmbeddingModel == "" {
		switch cfg.EmbeddingProvider {
		case "gemini":
			cfg.EmbeddingModel = "text-embedding-004"
		default:
			cfg.EmbeddingModel = "text-embedding-3-small"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	debug.Store(cfg.LogLevel == "DEBUG")
	if cfg.OpenAIAPIKey == "" {
		log.Println("OPENAI_API_KEY is not set; chat stays disabled until a key is saved")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ChatTemperature < 0 || c.ChatTemperature > 2 {
		return fmt.Errorf("CHAT_TEMPERATURE must be within [0, 2], got %v", c.ChatTemperature)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("LLM_MAX_RETRIES must be positive, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("LLM_RETRY_BASE_DELAY must not be negative, got %s", c.RetryBaseDelay)
	}
	switch c.EmbeddingProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be openai or gemini, got %q", c.EmbeddingProvider)
	}
	if c.EmbeddingRate <= 0 {
		return fmt.Errorf("EMBEDDING_RATE_PER_SEC must be positive, got %v", c.EmbeddingRate)
	}
	if c.EmbeddingBatchSize < 1 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive, got %d", c.EmbeddingBatchSize)
	}
	return nil
}

// Debugf logs only when LOG_LEVEL=DEBUG.
func Debugf(format string, args ...any) {
	if debug.Load() {
		log.Printf("[DEBUG] "+format, args...)
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
