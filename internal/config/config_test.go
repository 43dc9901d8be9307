package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheCodingKid82/moltslack/internal/crypto"
	"github.com/TheCodingKid82/moltslack/internal/store"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "STORE", "STORE_ASYNC", "DATABASE_URL", "SQLITE_PATH",
		"REDIS_URL", "SECRET_KEY", "TOKEN_TTL", "RELAY_ADDR", "RATE_LIMIT_WHITELIST", "AUTO_BLOCK_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, store.BackendMemory, cfg.Store)
	assert.Equal(t, 24*time.Hour, cfg.TokenTTL)
	assert.Len(t, cfg.SecretKey, crypto.MasterKeySize)
	assert.True(t, cfg.SecretKeyGenerated)
	assert.Empty(t, cfg.RateLimitWhitelist)
	assert.False(t, cfg.AutoBlockEnabled)
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	key := bytes.Repeat([]byte{7}, crypto.MasterKeySize)
	t.Setenv("STORE", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/ms.db")
	t.Setenv("SECRET_KEY", crypto.EncodeMasterKey(key))
	t.Setenv("TOKEN_TTL", "90m")
	t.Setenv("RATE_LIMIT_WHITELIST", "10.0.0.0/8, 127.0.0.1,,")
	t.Setenv("AUTO_BLOCK_ENABLED", "true")
	t.Setenv("STORE_ASYNC", "true")

	cfg := Load()
	assert.Equal(t, key, cfg.SecretKey)
	assert.False(t, cfg.SecretKeyGenerated)
	assert.Equal(t, 90*time.Minute, cfg.TokenTTL)
	assert.Equal(t, []string{"10.0.0.0/8", "127.0.0.1"}, cfg.RateLimitWhitelist)
	assert.True(t, cfg.AutoBlockEnabled)

	opts := cfg.StoreOptions()
	assert.Equal(t, store.BackendSQLite, opts.Backend)
	assert.Equal(t, "/tmp/ms.db", opts.SQLitePath)
	assert.True(t, opts.Async)
}

func TestLoadPanics(t *testing.T) {
	key := crypto.EncodeMasterKey(bytes.Repeat([]byte{7}, crypto.MasterKeySize))

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"production without key", map[string]string{"ENV": "production", "STORE": "postgres"}},
		{"production on memory", map[string]string{"ENV": "production", "SECRET_KEY": key}},
		{"short key", map[string]string{"SECRET_KEY": "c2hvcnQ="}},
		{"bad ttl", map[string]string{"TOKEN_TTL": "soon"}},
		{"negative ttl", map[string]string{"TOKEN_TTL": "-1h"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			require.Panics(t, func() { Load() })
		})
	}
}

func TestLoadProduction(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENV", "production")
	t.Setenv("STORE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/moltslack")
	t.Setenv("SECRET_KEY", crypto.EncodeMasterKey(bytes.Repeat([]byte{1}, crypto.MasterKeySize)))

	cfg := Load()
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "postgres://localhost/moltslack", cfg.StoreOptions().DatabaseURL)
}
