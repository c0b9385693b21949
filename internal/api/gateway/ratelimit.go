// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/observability"
)

const keyPrefix = "alertforge:ratelimit:"

// window is the fixed counting window.
const window = time.Minute

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter enforces per-client request budgets shared by every instance
// through Redis.
type RateLimiter struct {
	redis   redis.UniversalClient
	logger  *zap.Logger
	metrics *observability.Metrics
	config  RateLimitConfig
	now     func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
	// ClientHeader names a header identifying the caller, such as an API
	// key id set by an upstream proxy. Empty uses the client address.
	ClientHeader string `yaml:"client_header"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Reason     string
}

// DefaultRateLimitConfig limits ingestion endpoints more tightly than reads.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 600,
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
	}
}

// DefaultEndpointLimits returns endpoint-specific limits for ingestion.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/ingest": {
			Path:              "/api/v1/ingest",
			Method:            "POST",
			RequestsPerMinute: 300,
			CostMultiplier:    1,
		},
		// HEC batches carry up to MaxBatchSize events per request
		"POST:/services/collector/event": {
			Path:              "/services/collector/event",
			Method:            "POST",
			RequestsPerMinute: 120,
			CostMultiplier:    2,
		},
		"POST:/services/collector/raw": {
			Path:              "/services/collector/raw",
			Method:            "POST",
			RequestsPerMinute: 120,
			CostMultiplier:    1,
		},
	}
}

// NewRateLimiter creates a new rate limiter. metrics may be nil.
func NewRateLimiter(client redis.UniversalClient, cfg RateLimitConfig, metrics *observability.Metrics, logger *zap.Logger) *RateLimiter {
	if cfg.DefaultRequestsPerMinute <= 0 {
		cfg.DefaultRequestsPerMinute = 600
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		redis:   client,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
}

// Check counts one request of clientID against endpoint. Redis failures
// allow the request.
func (rl *RateLimiter) Check(ctx context.Context, clientID, endpoint, method string) (*RateLimitResult, error) {
	limit := rl.effectiveLimit(endpoint, method)
	key := fmt.Sprintf("%s%s:%s:%s", keyPrefix, clientID, method, endpoint)
	now := rl.now()

	count, err := incrScript.Run(ctx, rl.redis, []string{key}, strconv.FormatInt(window.Milliseconds(), 10)).Int()
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.String("key", key), zap.Error(err))
		return &RateLimitResult{Allowed: true, Limit: limit, Remaining: limit}, nil
	}

	ttl, err := rl.redis.PTTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = window
	}

	res := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		Limit:     limit,
		ResetAt:   now.Add(ttl),
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res, nil
}

func (rl *RateLimiter) effectiveLimit(endpoint, method string) int {
	limit := rl.config.DefaultRequestsPerMinute
	ep, ok := rl.config.Endpoints[method+":"+endpoint]
	if !ok {
		return limit
	}
	if ep.RequestsPerMinute > 0 && ep.RequestsPerMinute < limit {
		limit = ep.RequestsPerMinute
	}
	if ep.CostMultiplier > 1 {
		limit /= ep.CostMultiplier
	}
	return max(limit, 1)
}

// Middleware returns an HTTP middleware for rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		clientID := rl.clientID(r)
		result, err := rl.Check(r.Context(), clientID, r.URL.Path, r.Method)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			rl.metrics.RateLimitedOn(r.URL.Path)
			rl.logger.Info("Request rate limited",
				zap.String("client", clientID),
				zap.String("path", r.URL.Path),
			)
			retry := int(result.RetryAfter.Round(time.Second).Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{
				"success":     false,
				"code":        "rate_limit_exceeded",
				"message":     result.Reason,
				"retry_after": retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) clientID(r *http.Request) string {
	if rl.config.ClientHeader != "" {
		if v := strings.TrimSpace(r.Header.Get(rl.config.ClientHeader)); v != "" {
			return v
		}
	}
	return getClientIP(r)
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
