// Package config handles loading relay configuration from environment variables.
// All settings have sensible defaults for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Session engines understood by the session bridge.
const (
	SessionEngineDB            = "db"
	SessionEngineSignedCookies = "signed_cookies"
)

// Config holds all relay settings loaded from environment variables.
type Config struct {
	Port                   string
	RedisURL               string
	RedisDB                int
	NotificationChannel    string
	BrokerReconnectMin     time.Duration
	BrokerReconnectMax     time.Duration
	DatabasePath           string
	SessionEngine          string
	SessionCookieName      string
	SessionSecret          string
	NotifySecret           string
	HandshakeRatePerMinute int
	CORSAllowedOrigins     []string
	TrustedProxies         []string
	SentryDSN              string
	SentryEnvironment      string
}

// Load reads configuration from environment variables, using defaults where not set.
func Load() *Config {
	return &Config{
		Port:                   getEnv("PORT", "8000"),
		RedisURL:               getEnv("REDIS_URL", ""),
		RedisDB:                getIntEnv("REDIS_DB", 0),
		NotificationChannel:    getEnv("NOTIFICATION_CHANNEL", "backlogman.notifications"),
		BrokerReconnectMin:     getDurationEnv("BROKER_RECONNECT_MIN", 500*time.Millisecond),
		BrokerReconnectMax:     getDurationEnv("BROKER_RECONNECT_MAX", 30*time.Second),
		DatabasePath:           getEnv("DATABASE_PATH", "./backlogman.db"),
		SessionEngine:          getEnv("SESSION_ENGINE", SessionEngineDB),
		SessionCookieName:      getEnv("SESSION_COOKIE_NAME", "sessionid"),
		SessionSecret:          getEnv("SESSION_SECRET", "change-me-in-production"), // #nosec G101 -- intentional dev default
		NotifySecret:           getEnv("NOTIFY_SECRET", "change-me-too"),            // #nosec G101 -- intentional dev default
		HandshakeRatePerMinute: getIntEnv("HANDSHAKE_RATE_PER_MINUTE", 60),
		CORSAllowedOrigins:     getStringSliceEnvDefault("CORS_ALLOWED_ORIGINS", []string{"http://localhost:8000", "http://127.0.0.1:8000"}),
		TrustedProxies:         getStringSliceEnv("TRUSTED_PROXIES"),
		SentryDSN:              getEnv("SENTRY_DSN", ""),
		SentryEnvironment:      getEnv("SENTRY_ENVIRONMENT", "production"),
	}
}

// UsesRedis reports whether a redis broker is configured. Without one the
// relay runs with the in-process broker.
func (c *Config) UsesRedis() bool {
	return c.RedisURL != ""
}

func getStringSliceEnvDefault(key string, defaultValue []string) []string {
	if _, ok := os.LookupEnv(key); !ok {
		return defaultValue
	}
	return getStringSliceEnv(key)
}

func getStringSliceEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
