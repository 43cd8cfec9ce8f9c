package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects where job records live.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the studio job engine.
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Queue  QueueConfig
	Stream StreamConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	Backend         string
	RedisURL        string
	JobRetention    time.Duration
	CleanupInterval time.Duration
}

type QueueConfig struct {
	// Lanes are priority lane names, highest priority first.
	Lanes             []string
	WorkerConcurrency int
	BlockTimeout      time.Duration
}

type StreamConfig struct {
	KeepaliveInterval time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any value is invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("STUDIO_PORT", 8080),
			Env:  envString("STUDIO_ENV", "development"),
		},
		Store: StoreConfig{
			Backend:         envString("STUDIO_BACKEND", BackendMemory),
			RedisURL:        os.Getenv("REDIS_URL"),
			JobRetention:    envDuration("STUDIO_JOB_RETENTION", 24*time.Hour),
			CleanupInterval: envDuration("STUDIO_CLEANUP_INTERVAL", time.Hour),
		},
		Queue: QueueConfig{
			Lanes:             envList("STUDIO_QUEUE_LANES", []string{"high", "normal", "low"}),
			WorkerConcurrency: envInt("STUDIO_WORKER_CONCURRENCY", 2),
			BlockTimeout:      envDuration("STUDIO_QUEUE_BLOCK", 5*time.Second),
		},
		Stream: StreamConfig{
			KeepaliveInterval: envDuration("STUDIO_STREAM_KEEPALIVE", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Store.Backend != BackendMemory && c.Store.Backend != BackendRedis {
		return fmt.Errorf("STUDIO_BACKEND must be %q or %q, got %q",
			BackendMemory, BackendRedis, c.Store.Backend)
	}

	if c.Store.Backend == BackendRedis && c.Store.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when STUDIO_BACKEND is %q", BackendRedis)
	}

	if c.Store.JobRetention <= 0 {
		return fmt.Errorf("STUDIO_JOB_RETENTION must be positive")
	}

	if len(c.Queue.Lanes) == 0 {
		return fmt.Errorf("STUDIO_QUEUE_LANES must name at least one lane")
	}
	seen := make(map[string]bool, len(c.Queue.Lanes))
	for _, lane := range c.Queue.Lanes {
		if lane == "" {
			return fmt.Errorf("STUDIO_QUEUE_LANES contains an empty lane name")
		}
		if seen[lane] {
			return fmt.Errorf("STUDIO_QUEUE_LANES contains duplicate lane %q", lane)
		}
		seen[lane] = true
	}

	if c.Queue.WorkerConcurrency < 1 {
		return fmt.Errorf("STUDIO_WORKER_CONCURRENCY must be at least 1")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
