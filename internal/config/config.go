// Package config provides environment configuration for the sync engine.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the engine daemon.
type Config struct {
	// Local HTTP surface
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Backend of record
	APIBaseURL string
	APIToken   string

	// Real-time channels
	ChatChannelURL      string
	EmergencyChannelURL string
	ReconnectAttempts   int
	ReconnectDelay      time.Duration

	// Notifications
	NotificationsEnabled bool
	BannerTTL            time.Duration

	// Unread bookkeeping
	ReadReceiptTimeout time.Duration

	// Local surface auth
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Backend
		APIBaseURL: getEnv("API_BASE_URL", "http://localhost:3000/api"),
		APIToken:   getEnv("API_TOKEN", ""),

		// Channels
		ChatChannelURL:      getEnv("CHAT_CHANNEL_URL", "nats://localhost:4222"),
		EmergencyChannelURL: getEnv("EMERGENCY_CHANNEL_URL", ""),
		ReconnectAttempts:   getIntEnv("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:      getDurationEnv("RECONNECT_DELAY", time.Second),

		// Notifications
		NotificationsEnabled: getBoolEnv("NOTIFICATIONS_ENABLED", true),
		BannerTTL:            getDurationEnv("BANNER_TTL", 20*time.Second),

		// Unread
		ReadReceiptTimeout: getDurationEnv("READ_RECEIPT_TIMEOUT", 5*time.Second),

		// Local surface auth
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
