package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/TheCodingKid82/moltslack/internal/crypto"
	"github.com/TheCodingKid82/moltslack/internal/store"
)

// Config holds all configuration for the application.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Storage
	Store       string // memory, sqlite, postgres or redis
	StoreAsync  bool   // Apply writes in the background
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Security
	SecretKey          []byte // Master key all signing keys derive from
	SecretKeyGenerated bool   // SecretKey was generated for this process
	TokenTTL           time.Duration

	// Separate relay listener; empty serves the relay on /ws only
	RelayAddr string

	// Rate limiting
	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     // Enable auto-blocking after repeated violations
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		Env:              getEnv("ENV", "development"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Store:            strings.ToLower(getEnv("STORE", store.BackendMemory)),
		StoreAsync:       getEnv("STORE_ASYNC", "false") == "true",
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getEnv("SQLITE_PATH", "moltslack.db"),
		RedisURL:         os.Getenv("REDIS_URL"),
		RelayAddr:        os.Getenv("RELAY_ADDR"),
		AutoBlockEnabled: getEnv("AUTO_BLOCK_ENABLED", "false") == "true",
	}

	ttl, err := time.ParseDuration(getEnv("TOKEN_TTL", "24h"))
	if err != nil || ttl <= 0 {
		panic("TOKEN_TTL must be a positive duration such as 24h")
	}
	cfg.TokenTTL = ttl

	// Parse whitelist (comma-separated IPs or CIDRs)
	if whitelist := os.Getenv("RATE_LIMIT_WHITELIST"); whitelist != "" {
		for _, entry := range strings.Split(whitelist, ",") {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				cfg.RateLimitWhitelist = append(cfg.RateLimitWhitelist, entry)
			}
		}
	}

	if raw := os.Getenv("SECRET_KEY"); raw != "" {
		key, err := crypto.ParseMasterKey(raw)
		if err != nil {
			panic("SECRET_KEY is invalid: " + err.Error())
		}
		cfg.SecretKey = key
	}

	// In production, require a master key and durable storage
	if cfg.Env == "production" {
		if cfg.SecretKey == nil {
			panic("SECRET_KEY is required in production")
		}
		if cfg.Store == store.BackendMemory {
			panic("STORE must be sqlite, postgres or redis in production")
		}
	}

	if cfg.SecretKey == nil {
		key, err := crypto.GenerateMasterKey()
		if err != nil {
			panic("generating SECRET_KEY: " + err.Error())
		}
		cfg.SecretKey = key
		cfg.SecretKeyGenerated = true
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// StoreOptions returns the storage settings for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:     c.Store,
		DatabaseURL: c.DatabaseURL,
		SQLitePath:  c.SQLitePath,
		RedisURL:    c.RedisURL,
		Async:       c.StoreAsync,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
