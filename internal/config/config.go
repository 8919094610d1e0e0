// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend transport identifiers accepted by BACKEND_TRANSPORT.
const (
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
	TransportGRPC      = "grpc"
)

// EnvDevelopment is the APP_ENV value that relaxes origin checks and allows an unset JWT_SECRET.
const EnvDevelopment = "development"

// Config holds all application configuration.
type Config struct {
	Env            string
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	JWTSecret      string
	MetricsEnabled bool
	Backend        BackendConfig
	Session        SessionConfig
	WebSocket      WebSocketConfig
	RateLimit      RateLimitConfig
}

// BackendConfig controls the connection to the asynchronous assistant/analytics service.
type BackendConfig struct {
	Transport           string
	URL                 string // websocket transport
	GRPCAddr            string // grpc transport
	RedisURL            string // redis transport
	RedisRequestChannel string
	RedisEventChannel   string
	SendTimeout         time.Duration
	ReconnectDelay      time.Duration
	AnalyticsTimeout    time.Duration
}

// SessionConfig controls per-user session retention.
type SessionConfig struct {
	GracePeriod       time.Duration
	HistoryLimit      int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// WebSocketConfig controls per-connection write behaviour.
type WebSocketConfig struct {
	SendQueueSize int
	WriteTimeout  time.Duration
}

// RateLimitConfig controls inbound chat throttling per session.
type RateLimitConfig struct {
	MessagesPerMinute int
	Burst             int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Env:            strings.ToLower(strings.TrimSpace(getEnv("APP_ENV", "production"))),
		Port:           getEnv("PORT", "9000"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/taskmate.db"),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		Backend: BackendConfig{
			Transport:           strings.ToLower(getEnv("BACKEND_TRANSPORT", TransportWebSocket)),
			URL:                 getEnv("BACKEND_URL", "ws://localhost:8001/ws"),
			GRPCAddr:            getEnv("BACKEND_GRPC_ADDR", "localhost:50051"),
			RedisURL:            getEnv("REDIS_URL", "redis://localhost:6379/0"),
			RedisRequestChannel: getEnv("REDIS_REQUEST_CHANNEL", "taskmate:backend:requests"),
			RedisEventChannel:   getEnv("REDIS_EVENT_CHANNEL", "taskmate:backend:events"),
			SendTimeout:         getEnvDuration("BACKEND_SEND_TIMEOUT", 5*time.Second),
			ReconnectDelay:      getEnvDuration("BACKEND_RECONNECT_DELAY", 5*time.Second),
			AnalyticsTimeout:    getEnvDuration("ANALYTICS_TIMEOUT", 30*time.Second),
		},
		Session: SessionConfig{
			GracePeriod:       getEnvDuration("SESSION_GRACE_PERIOD", time.Hour),
			HistoryLimit:      getEnvInt("SESSION_HISTORY_LIMIT", 100),
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatTimeout:  getEnvDuration("HEARTBEAT_TIMEOUT", 10*time.Second),
		},
		WebSocket: WebSocketConfig{
			SendQueueSize: getEnvInt("WS_SEND_QUEUE_SIZE", 256),
			WriteTimeout:  getEnvDuration("WS_WRITE_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: getEnvInt("CHAT_RATE_LIMIT", 30),
			Burst:             getEnvInt("CHAT_RATE_BURST", 5),
		},
	}

	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", cfg.defaultOrigins())

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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" && !c.IsDevelopment() {
		return fmt.Errorf("JWT_SECRET is required unless APP_ENV=%s", EnvDevelopment)
	}
	switch c.Backend.Transport {
	case TransportWebSocket:
		if c.Backend.URL == "" {
			return fmt.Errorf("BACKEND_URL cannot be empty for websocket transport")
		}
	case TransportRedis:
		if c.Backend.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty for redis transport")
		}
		if c.Backend.RedisRequestChannel == "" || c.Backend.RedisEventChannel == "" {
			return fmt.Errorf("REDIS_REQUEST_CHANNEL and REDIS_EVENT_CHANNEL cannot be empty")
		}
	case TransportGRPC:
		if c.Backend.GRPCAddr == "" {
			return fmt.Errorf("BACKEND_GRPC_ADDR cannot be empty for grpc transport")
		}
	default:
		return fmt.Errorf("unknown BACKEND_TRANSPORT %q", c.Backend.Transport)
	}
	if c.Session.GracePeriod <= 0 {
		return fmt.Errorf("SESSION_GRACE_PERIOD must be > 0")
	}
	if c.Session.HistoryLimit <= 0 {
		return fmt.Errorf("SESSION_HISTORY_LIMIT must be > 0")
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0")
	}
	if c.WebSocket.SendQueueSize <= 0 {
		return fmt.Errorf("WS_SEND_QUEUE_SIZE must be > 0")
	}
	if c.RateLimit.MessagesPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("CHAT_RATE_LIMIT and CHAT_RATE_BURST cannot be negative")
	}
	return nil
}

// IsDevelopment reports whether APP_ENV is explicitly set to development.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// defaultOrigins is used when ALLOWED_ORIGINS is unset: the frontend if known, anything
// in development, and no cross-origin browsers otherwise.
func (c *Config) defaultOrigins() []string {
	switch {
	case c.FrontendURL != "":
		return []string{strings.TrimRight(c.FrontendURL, "/")}
	case c.IsDevelopment():
		return []string{"*"}
	default:
		return nil
	}
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

// getEnvDuration accepts Go duration strings ("90s", "1h") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
