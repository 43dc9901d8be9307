package middleware

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/TheCodingKid82/moltslack/internal/metrics"
)

const (
	violationLimit  = 10
	violationWindow = time.Hour
	blockDuration   = 24 * time.Hour
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
	KeyFunc  func(r *http.Request) string
}

type routeLimit struct {
	pattern string
	name    string
	limit   RateLimit
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
}

// Counter counts requests per key inside a window.
type Counter interface {
	CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time)
}

// Blocker tracks violations and temporary IP blocks.
type Blocker interface {
	IsBlocked(ctx context.Context, ip string) bool
	Block(ctx context.Context, ip string, duration time.Duration, reason string)
	Unblock(ctx context.Context, ip string)
	RecordViolation(ctx context.Context, ip string) int64
}

// RateLimiter implements per-endpoint rate limiting.
type RateLimiter struct {
	counter          Counter
	limits           []routeLimit
	blocker          Blocker
	logger           zerolog.Logger
	whitelist        []*net.IPNet
	whitelistIPs     map[string]bool
	autoBlockEnabled bool
}

// NewRateLimiter creates a rate limiter backed by Redis when client is
// set, and by process memory otherwise.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	if client != nil {
		return newRateLimiter(&redisCounter{client: client}, NewIPBlocker(client), logger, cfg)
	}
	return newRateLimiter(newMemoryCounter(), newMemoryBlocker(), logger, cfg)
}

func newRateLimiter(counter Counter, blocker Blocker, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		counter:          counter,
		blocker:          blocker,
		logger:           logger.With().Str("component", "ratelimit").Logger(),
		whitelistIPs:     make(map[string]bool),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		// First match wins, so longer prefixes come first.
		limits: []routeLimit{
			{"POST /agents/", "agent_messages", RateLimit{120, time.Minute, tokenKey}},
			{"POST /agents", "register", RateLimit{10, time.Hour, ipKey}},
			{"POST /auth/", "auth", RateLimit{30, time.Hour, tokenKey}},
			{"POST /channels/", "channel_writes", RateLimit{120, time.Minute, tokenKey}},
			{"POST /channels", "create_channel", RateLimit{20, time.Hour, tokenKey}},
			{"GET /search", "search", RateLimit{30, time.Minute, tokenKey}},
			{"POST /presence", "presence", RateLimit{120, time.Minute, tokenKey}},
			{"PATCH /presence", "presence", RateLimit{60, time.Minute, tokenKey}},
			{"PATCH /messages/", "message_writes", RateLimit{60, time.Minute, tokenKey}},
			{"POST /messages/", "receipts", RateLimit{240, time.Minute, tokenKey}},
			{"GET /ws", "relay", RateLimit{30, time.Minute, ipKey}},
			{"GET /", "reads", RateLimit{300, time.Minute, tokenKey}},
		},
	}

	// Parse whitelist entries
	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			// CIDR notation
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			// Single IP
			rl.whitelistIPs[entry] = true
		}
	}

	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelistIPs)).
			Int("cidrs", len(rl.whitelist)).
			Msg("rate limit whitelist configured")
	}

	return rl
}

// isWhitelisted checks if an IP is in the whitelist.
func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	// Check exact IP match
	if rl.whitelistIPs[ipStr] {
		return true
	}

	// Check CIDR ranges
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// ipKey returns rate limit key based on client IP.
func ipKey(r *http.Request) string {
	return "ratelimit:ip:" + RealIP(r)
}

// tokenKey returns rate limit key based on a digest of the bearer token.
// Requests without a token fall back to the client IP.
func tokenKey(r *http.Request) string {
	token := BearerToken(r)
	if token == "" {
		return ipKey(r)
	}
	sum := blake3.Sum256([]byte(token))
	return "ratelimit:token:" + hex.EncodeToString(sum[:16])
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// Check Fly.io header first
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	// Then X-Forwarded-For
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	// Then X-Real-IP
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	// Fallback to RemoteAddr
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		// Skip rate limiting for whitelisted IPs
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		// Check IP block first
		if rl.blocker.IsBlocked(r.Context(), ip) {
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			jsonError(w, http.StatusForbidden, "temporarily blocked")
			return
		}

		// Find matching limit
		route := rl.findLimit(r)
		if route == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := route.limit.KeyFunc(r)
		allowed, remaining, resetAt := rl.counter.CheckAndIncrement(r.Context(), key, route.limit.Requests, route.limit.Window)

		// Set rate limit headers
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(route.limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())+1))
			metrics.RateLimitHits.WithLabelValues(route.name).Inc()

			// Track violation
			rl.trackViolation(r.Context(), ip)

			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Str("key", key).
				Msg("rate limit exceeded")

			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit finds the matching rate limit for a request.
func (rl *RateLimiter) findLimit(r *http.Request) *routeLimit {
	key := r.Method + " " + r.URL.Path
	for i := range rl.limits {
		if strings.HasPrefix(key, rl.limits[i].pattern) {
			return &rl.limits[i]
		}
	}
	return nil
}

// trackViolation tracks rate limit violations and auto-blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	count := rl.blocker.RecordViolation(ctx, ip)
	if count >= violationLimit {
		rl.blocker.Block(ctx, ip, blockDuration, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}

// redisCounter is a sliding window over a sorted set per key.
type redisCounter struct {
	client *redis.Client
}

// CheckAndIncrement checks rate limit and increments counter.
// Returns (allowed, remaining, resetAt).
func (c *redisCounter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	windowStart := now.Add(-window)

	// Use a fixed window key based on current time bucket
	windowKey := fmt.Sprintf("%s:%d", key, now.Unix()/int64(window.Seconds()))

	pipe := c.client.Pipeline()

	// Remove old entries outside window
	pipe.ZRemRangeByScore(ctx, windowKey, "-inf", fmt.Sprintf("%d", windowStart.UnixMilli()))

	// Count current entries
	countCmd := pipe.ZCard(ctx, windowKey)

	// Add current request with unique member
	pipe.ZAdd(ctx, windowKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})

	// Set TTL on key
	pipe.Expire(ctx, windowKey, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		// Fail open when Redis is unavailable.
		return true, limit, now.Add(window)
	}

	count := countCmd.Val()
	remaining := limit - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}

	return count < int64(limit), remaining, now.Add(window)
}

// IPBlocker manages temporary IP blocks in Redis.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

// IsBlocked checks if an IP is blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	key := fmt.Sprintf("blocked:ip:%s", ip)
	exists, _ := b.client.Exists(ctx, key).Result()
	return exists > 0
}

// Block blocks an IP for the specified duration.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	key := fmt.Sprintf("blocked:ip:%s", ip)
	b.client.Set(ctx, key, reason, duration)
}

// Unblock removes an IP block.
func (b *IPBlocker) Unblock(ctx context.Context, ip string) {
	key := fmt.Sprintf("blocked:ip:%s", ip)
	b.client.Del(ctx, key)
}

// RecordViolation counts a violation and returns the count in the
// current violation window.
func (b *IPBlocker) RecordViolation(ctx context.Context, ip string) int64 {
	key := fmt.Sprintf("violations:ip:%s", ip)
	count, _ := b.client.Incr(ctx, key).Result()
	b.client.Expire(ctx, key, violationWindow)
	return count
}
