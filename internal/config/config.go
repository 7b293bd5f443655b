package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the relay server.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Admin surface
	AdminJWTSecret string // HS256 key for /api and /ws/admin bearer tokens

	// Websocket tuning
	MaxFrameBytes     int64
	WriteTimeout      time.Duration
	PongTimeout       time.Duration
	PingInterval      time.Duration
	SendBuffer        int           // per-connection outbound queue
	SessionIdleExpiry time.Duration // evict empty sessions after this

	// History paging
	HistoryLimit    int
	HistoryLimitMax int

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from connect limits
	MessageRateLimit   int      // message.create per client per minute, 0 disables

	// AI responder
	OpenAIKey      string
	ResponderModel string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        getEnv("SQLITE_PATH", "handoff.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		AdminJWTSecret:    os.Getenv("ADMIN_JWT_SECRET"),
		MaxFrameBytes:     int64(getEnvInt("WS_MAX_FRAME_BYTES", 32*1024)),
		WriteTimeout:      getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		PongTimeout:       getEnvDuration("WS_PONG_TIMEOUT", 60*time.Second),
		PingInterval:      getEnvDuration("WS_PING_INTERVAL", 25*time.Second),
		SendBuffer:        getEnvInt("WS_SEND_BUFFER", 64),
		SessionIdleExpiry: getEnvDuration("SESSION_IDLE_EXPIRY", 5*time.Minute),
		HistoryLimit:      getEnvInt("HISTORY_LIMIT", 20),
		HistoryLimitMax:   getEnvInt("HISTORY_LIMIT_MAX", 100),
		MessageRateLimit:  getEnvInt("MESSAGE_RATE_LIMIT", 120),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		ResponderModel:    getEnv("RESPONDER_MODEL", "gpt-4o-mini"),
	}

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	// In production, require the external collaborators
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.AdminJWTSecret == "" {
			panic("ADMIN_JWT_SECRET is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
