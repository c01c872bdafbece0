package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	LogLevel  string
	LogFormat string

	// Broker
	NATSURL string

	// Redis for the asynq worker. Empty runs the poll loop in-process.
	RedisURL  string
	RedisAddr string

	// Hosts
	PollInterval   time.Duration
	HostAPITimeout time.Duration

	// Log streams
	StreamTTL       time.Duration
	StreamKeepAlive time.Duration
	StreamBuffer    int
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		NATSURL:         getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		RedisURL:        getEnv("REDIS_URL", ""),
		PollInterval:    getEnvAsDuration("POLL_INTERVAL", 10*time.Second),
		HostAPITimeout:  getEnvAsDuration("HOST_API_TIMEOUT", 30*time.Second),
		StreamTTL:       getEnvAsDuration("LOG_STREAM_TTL", 15*time.Minute),
		StreamKeepAlive: getEnvAsDuration("LOG_STREAM_KEEPALIVE", 15*time.Second),
		StreamBuffer:    getEnvAsInt("LOG_STREAM_BUFFER", 256),
	}

	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	if cfg.RedisAddr == "" && cfg.RedisURL != "" {
		cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)
	}

	return cfg, nil
}

// UseWorker reports whether host polling runs on the asynq worker.
func (c *Config) UseWorker() bool {
	return c.RedisAddr != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil && value > 0 {
		return value
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("15s", "2m") or bare seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// parseRedisAddr extracts host:port from a Redis URL.
// Supports redis://host:port, rediss://host:port, host:port and host.
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr += ":6379"
	}
	return addr
}
