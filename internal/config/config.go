// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	SessionTTL     time.Duration
	RetentionAge   time.Duration
	SweepInterval  time.Duration
	MaxRequestBody int64

	LLM             LLMConfig
	Interview       InterviewConfig
	MatrixPath      string
	Voice           VoiceConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig selects and configures the model provider.
type LLMConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	OpenAIAPIKey string
	GoogleAPIKey string
	GrpcAddr     string
	Timeout      time.Duration
}

// Enabled reports whether any provider can be constructed.
func (c LLMConfig) Enabled() bool {
	return c.OpenAIAPIKey != "" || c.GoogleAPIKey != "" || c.GrpcAddr != ""
}

// InterviewConfig tunes the clarification interview.
type InterviewConfig struct {
	MaxRounds          int
	LoopThreshold      int
	SummaryRecentPairs int
	MaxTokens          int
	Temperature        float64
}

// VoiceConfig is reported to the frontend only; the server does no audio work.
type VoiceConfig struct {
	Enabled   bool
	Providers []string
}

// RateLimitConfig bounds interview requests per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/catalaist.db"),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		RetentionAge:   getEnvDuration("SESSION_RETENTION", 30*24*time.Hour),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", time.Minute),
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY", 1<<20)),
		LLM: LLMConfig{
			Provider:     strings.ToLower(getEnv("LLM_PROVIDER", "")),
			Model:        getEnv("LLM_MODEL", ""),
			BaseURL:      getEnv("LLM_BASE_URL", ""),
			OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
			GoogleAPIKey: getEnv("GOOGLE_API_KEY", ""),
			GrpcAddr:     getEnv("LLM_GRPC_ADDR", ""),
			Timeout:      getEnvDuration("LLM_TIMEOUT", 60*time.Second),
		},
		Interview: InterviewConfig{
			MaxRounds:          getEnvInt("MAX_ROUNDS", 8),
			LoopThreshold:      getEnvInt("LOOP_THRESHOLD", 3),
			SummaryRecentPairs: getEnvInt("SUMMARY_RECENT_PAIRS", 3),
			MaxTokens:          getEnvInt("LLM_MAX_TOKENS", 1024),
			Temperature:        getEnvFloat("LLM_TEMPERATURE", 0.2),
		},
		MatrixPath: getEnv("MATRIX_PATH", ""),
		Voice: VoiceConfig{
			Enabled:   getEnvBool("VOICE_ENABLED", false),
			Providers: getEnvList("VOICE_PROVIDERS"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return errors.New("SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("SWEEP_INTERVAL must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return errors.New("MAX_REQUEST_BODY must be > 0")
	}
	switch c.LLM.Provider {
	case "", "openai", "bedrock", "gemini", "genai", "google", "grpc", "sidecar":
	default:
		return fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLM.Provider)
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("LLM_TIMEOUT must be > 0")
	}
	if c.Interview.MaxRounds <= 0 {
		return errors.New("MAX_ROUNDS must be > 0")
	}
	if c.Interview.LoopThreshold <= 0 {
		return errors.New("LOOP_THRESHOLD must be > 0")
	}
	if c.Interview.SummaryRecentPairs <= 0 {
		return errors.New("SUMMARY_RECENT_PAIRS must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins derived from FRONTEND_URL.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"http://localhost:5173", "http://localhost:8080"}
	}
	return strings.Split(c.FrontendURL, ",")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
