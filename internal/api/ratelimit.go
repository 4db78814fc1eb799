package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRequestsPerMinute is used when the configured limit is not positive.
const DefaultRequestsPerMinute = 120

var incrementScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter is a fixed-window per-client limiter backed by redis.
type RateLimiter struct {
	redis          redis.UniversalClient
	logger         *zap.Logger
	limit          int
	window         time.Duration
	prefix         string
	includeHeaders bool
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per client.
func NewRateLimiter(client redis.UniversalClient, requestsPerMinute int, includeHeaders bool, logger *zap.Logger) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = DefaultRequestsPerMinute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:          client,
		logger:         logger.Named("ratelimit"),
		limit:          requestsPerMinute,
		window:         time.Minute,
		prefix:         "darkwatch:ratelimit:",
		includeHeaders: includeHeaders,
	}
}

// Check counts one request for clientID. Redis failures allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID string) *RateLimitResult {
	key := rl.prefix + clientID + ":minute"
	now := time.Now()

	count, err := incrementScript.Run(ctx, rl.redis, []string{key}, rl.window.Milliseconds()).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Remaining: rl.limit, Limit: rl.limit, ResetAt: now.Add(rl.window)}
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = rl.window
	}

	result := &RateLimitResult{
		Allowed:   count <= rl.limit,
		Remaining: max(rl.limit-count, 0),
		Limit:     rl.limit,
		ResetAt:   now.Add(ttl),
	}
	if !result.Allowed {
		result.RetryAfter = ttl
	}
	return result
}

// Middleware rejects clients over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := rl.Check(r.Context(), clientIP(r))

		if rl.includeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate_limit_exceeded",
				"message":     fmt.Sprintf("limit of %d requests per minute exceeded", result.Limit),
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// clientIP expects middleware.RealIP to have rewritten RemoteAddr already.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
