// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port             string
	FrontendURL      string
	AllowedOrigins   []string
	LogLevel         slog.Level
	MaxMessageLength int
	Database         DatabaseConfig
	Redis            RedisConfig
	Turn             TurnConfig
	Completion       CompletionConfig
	PersonasPath     string
	Sweep            SweepConfig
	RateLimit        RateLimitConfig
	SSE              SSEConfig
	ConversationLog  ConversationLogConfig
	TracesStdout     bool
}

// DatabaseConfig selects and configures the message/session store.
type DatabaseConfig struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite file
	URL    string // postgres DSN
}

// RedisConfig configures the shared pub/sub bus and rate-limit counters.
// An empty Addr keeps both in-process.
type RedisConfig struct {
	Addr          string
	ChannelPrefix string
}

// TurnConfig overrides the AI turn policy.
type TurnConfig struct {
	Cooldown time.Duration
	Window   int
}

// CompletionConfig configures the completion backend.
type CompletionConfig struct {
	Backend       string // "grpc", "openai" or "none"
	GRPCAddr      string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	Timeout       time.Duration
	Retries       int
}

// SweepConfig controls completion of idle sessions.
type SweepConfig struct {
	IdleTTL  time.Duration
	Interval time.Duration
}

// RateLimitConfig bounds message posting per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// SSEConfig tunes the server-sent events stream.
type SSEConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		FrontendURL:      getEnv("FRONTEND_URL", ""),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:         getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		MaxMessageLength: getEnvInt("MAX_MESSAGE_LENGTH", 2000),
		Database: DatabaseConfig{
			Driver: strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
			Path:   getEnv("DB_PATH", "./data/debategym.db"),
			URL:    getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", ""),
			ChannelPrefix: getEnv("REDIS_CHANNEL_PREFIX", "debategym"),
		},
		Turn: TurnConfig{
			Cooldown: getEnvDuration("TURN_COOLDOWN", 20*time.Second),
			Window:   getEnvInt("TURN_WINDOW", 20),
		},
		Completion: CompletionConfig{
			Backend:       strings.ToLower(getEnv("COMPLETION_BACKEND", "none")),
			GRPCAddr:      getEnv("COMPLETION_GRPC_ADDR", "localhost:50051"),
			OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
			OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Timeout:       getEnvDuration("COMPLETION_TIMEOUT", 30*time.Second),
			Retries:       getEnvInt("COMPLETION_RETRIES", 2),
		},
		PersonasPath: getEnv("PERSONAS_PATH", ""),
		Sweep: SweepConfig{
			IdleTTL:  getEnvDuration("SESSION_IDLE_TTL", 24*time.Hour),
			Interval: getEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SSE: SSEConfig{
			KeepaliveInterval: getEnvDuration("SSE_KEEPALIVE_INTERVAL", 10*time.Second),
			RetryDelay:        getEnvDuration("SSE_RETRY_DELAY", 5*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
		TracesStdout: getEnvBool("OTEL_TRACES_STDOUT", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Completion.Backend {
	case "none":
	case "grpc":
		if c.Completion.GRPCAddr == "" {
			return fmt.Errorf("COMPLETION_GRPC_ADDR cannot be empty")
		}
	case "openai":
		if c.Completion.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when COMPLETION_BACKEND=openai")
		}
	default:
		return fmt.Errorf("COMPLETION_BACKEND must be grpc, openai or none, got %q", c.Completion.Backend)
	}
	if c.Turn.Cooldown < 0 {
		return fmt.Errorf("TURN_COOLDOWN must be >= 0")
	}
	if c.Turn.Window <= 0 {
		return fmt.Errorf("TURN_WINDOW must be > 0")
	}
	if c.Completion.Timeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.Completion.Retries < 0 {
		return fmt.Errorf("COMPLETION_RETRIES must be >= 0")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Sweep.IdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}
