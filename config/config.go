package config

import (
	"log/slog"
	"os"
	"runtime"
	"strconv"

	"options-analytics/internal/portfolio"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	// Simulation bounds and defaults
	MaxPaths  int
	MaxSteps  int
	MCWorkers int
	MCSeed    uint64 // 0 = fresh seed per request

	// Redis stream transport (disabled when RedisAddr is empty)
	RedisAddr     string
	RedisPassword string
	RequestStream string
	ReplyStream   string
	ConsumerGroup string
	ConsumerName  string

	// Portfolio Greek limits (0 = unchecked)
	Limits portfolio.GreekLimits
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MaxPaths:  getInt("MAX_PATHS", 2_000_000),
		MaxSteps:  getInt("MAX_STEPS", 1_000),
		MCWorkers: getInt("MC_WORKERS", runtime.GOMAXPROCS(0)),
		MCSeed:    getUint("MC_SEED", 0),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RequestStream: getEnv("REQUEST_STREAM", "optengine:requests"),
		ReplyStream:   getEnv("REPLY_STREAM", "optengine:replies"),
		ConsumerGroup: getEnv("CONSUMER_GROUP", "optengine"),
		ConsumerName:  getEnv("CONSUMER_NAME", "worker-1"),

		Limits: portfolio.GreekLimits{
			MaxAbsDelta: getFloat("LIMIT_DELTA", 0),
			MaxAbsGamma: getFloat("LIMIT_GAMMA", 0),
			MaxAbsVega:  getFloat("LIMIT_VEGA", 0),
			MinTheta:    getFloat("LIMIT_THETA", 0),
		},
	}
}

// StreamEnabled reports whether the Redis stream worker should run.
func (c *Config) StreamEnabled() bool {
	return c.RedisAddr != ""
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("[config] invalid integer, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}

func getUint(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		slog.Warn("[config] invalid unsigned integer, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("[config] invalid number, using default", "key", key, "value", v)
		return fallback
	}
	return f
}
