package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Feed backends.
const (
	FeedAuto     = "auto"
	FeedPostgres = "postgres"
	FeedRedis    = "redis"
	FeedNATS     = "nats"
	FeedLocal    = "local"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel zerolog.Level

	// Storage
	DatabaseURL  string
	SQLitePath   string
	StoreTimeout time.Duration

	// Change feed
	RedisURL           string
	NATSURL            string
	FeedBackend        string
	FeedChannel        string
	FeedCacheSize      int
	FeedReconnectDelay time.Duration
	HeartbeatInterval  time.Duration

	// Rate limiting
	IPRateCapacity     int
	IPRateRefill       float64
	KeyRateCapacity    int
	KeyRateRefill      float64
	StreamRateCapacity int
	StreamRateRefill   float64
	RateLimitSweep     time.Duration
	RateLimitIdle      time.Duration
	RateLimitWhitelist []string // IPs or CIDRs exempt from the per-address policy
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("ENV", "development"),
		LogLevel:     getLevel("LOG_LEVEL", zerolog.InfoLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   os.Getenv("SQLITE_PATH"),
		StoreTimeout: getDuration("STORE_TIMEOUT", 10*time.Second),

		RedisURL:           os.Getenv("REDIS_URL"),
		NATSURL:            os.Getenv("NATS_URL"),
		FeedBackend:        strings.ToLower(getEnv("FEED_BACKEND", FeedAuto)),
		FeedChannel:        getEnv("FEED_CHANNEL", "commons_messages"),
		FeedCacheSize:      getInt("FEED_CACHE_SIZE", 100),
		FeedReconnectDelay: getDuration("FEED_RECONNECT_DELAY", 5*time.Second),
		HeartbeatInterval:  getDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		IPRateCapacity:     getInt("IP_RATE_CAPACITY", 100),
		IPRateRefill:       getFloat("IP_RATE_REFILL", 10),
		KeyRateCapacity:    getInt("KEY_RATE_CAPACITY", 1000),
		KeyRateRefill:      getFloat("KEY_RATE_REFILL", 100),
		StreamRateCapacity: getInt("STREAM_RATE_CAPACITY", 30),
		StreamRateRefill:   getFloat("STREAM_RATE_REFILL", 1),
		RateLimitSweep:     getDuration("RATE_LIMIT_SWEEP", 5*time.Minute),
		RateLimitIdle:      getDuration("RATE_LIMIT_IDLE", time.Hour),
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

	switch cfg.FeedBackend {
	case FeedAuto, FeedPostgres, FeedRedis, FeedNATS, FeedLocal:
	default:
		panic("FEED_BACKEND must be one of auto, postgres, redis, nats, local")
	}

	// In production, require the database
	if cfg.Env == "production" && cfg.DatabaseURL == "" {
		panic("DATABASE_URL is required in production")
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// ResolveFeedBackend picks the concrete backend for FEED_BACKEND=auto:
// NATS, then Redis, then Postgres LISTEN/NOTIFY, then the in-process bus.
func (c *Config) ResolveFeedBackend() string {
	if c.FeedBackend != FeedAuto {
		return c.FeedBackend
	}
	switch {
	case c.NATSURL != "":
		return FeedNATS
	case c.RedisURL != "":
		return FeedRedis
	case c.DatabaseURL != "":
		return FeedPostgres
	}
	return FeedLocal
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil && f > 0 {
		return f
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func getLevel(key string, defaultValue zerolog.Level) zerolog.Level {
	if l, err := zerolog.ParseLevel(os.Getenv(key)); err == nil && os.Getenv(key) != "" {
		return l
	}
	return defaultValue
}
