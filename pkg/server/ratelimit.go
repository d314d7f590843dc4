package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int

	// EndpointLimits override the default per exact path.
	EndpointLimits map[string]EndpointLimit

	CleanupInterval time.Duration
	IncludeHeaders  bool

	// TrustProxyHeaders keys clients by X-Forwarded-For and X-Real-IP. Only
	// enable it behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// EndpointLimit defines rate limits for specific endpoints
type EndpointLimit struct {
	Rate  float64
	Burst int
}

// DefaultRateLimitConfig limits post-processing harder than cooking, since it
// fans out to oneboxes and image probes.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerSecond: 10,
		Burst:             20,
		CleanupInterval:   5 * time.Minute,
		IncludeHeaders:    true,
		EndpointLimits: map[string]EndpointLimit{
			"/api/postprocess": {Rate: 2, Burst: 5},
		},
	}
}

// RateLimiter keeps one token bucket per client IP and endpoint limit.
type RateLimiter struct {
	config   *RateLimitConfig
	logger   *slog.Logger
	visitors map[string]*visitor
	mu       sync.Mutex

	rateLimitHits metric.Int64Counter
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(config *RateLimitConfig, logger *slog.Logger, meter metric.Meter) (*RateLimiter, error) {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:   config,
		logger:   logger,
		visitors: make(map[string]*visitor),
	}

	hits, err := meter.Int64Counter("http.ratelimit.hits",
		metric.WithDescription("Number of rate limit hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}
	rl.rateLimitHits = hits
	return rl, nil
}

// Middleware returns the rate limiting middleware
func (rl *RateLimiter) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limit, burst := rl.getLimitsForPath(r.URL.Path)
			key := fmt.Sprintf("ip:%s|%s", getClientIP(r, rl.config.TrustProxyHeaders), r.URL.Path)
			if _, ok := rl.config.EndpointLimits[r.URL.Path]; !ok {
				key = "ip:" + getClientIP(r, rl.config.TrustProxyHeaders)
			}
			v := rl.getVisitor(key, limit, burst)

			if !v.limiter.Allow() {
				rl.handleRateLimitExceeded(w, r, key, v.limiter)
				return
			}
			if rl.config.IncludeHeaders {
				addRateLimitHeaders(w, v.limiter)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) getLimitsForPath(path string) (float64, int) {
	if limit, ok := rl.config.EndpointLimits[path]; ok {
		return limit.Rate, limit.Burst
	}
	return rl.config.RequestsPerSecond, rl.config.Burst
}

func (rl *RateLimiter) getVisitor(key string, limit float64, burst int) *visitor {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[key]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(limit), burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v
}

func (rl *RateLimiter) handleRateLimitExceeded(w http.ResponseWriter, r *http.Request, key string, limiter *rate.Limiter) {
	requestLogger(r.Context()).WarnContext(r.Context(), "rate limit exceeded",
		slog.String("visitor", key),
		slog.String("path", r.URL.Path),
	)
	rl.rateLimitHits.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("path", getRoutePattern(r.URL.Path)),
	))

	if rl.config.IncludeHeaders {
		addRateLimitHeaders(w, limiter)
		if reservation := limiter.Reserve(); reservation.OK() {
			delay := reservation.Delay()
			reservation.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
		}
	}

	http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
}

func addRateLimitHeaders(w http.ResponseWriter, limiter *rate.Limiter) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Burst()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
	w.Header().Set("X-RateLimit-Policy", fmt.Sprintf("%.2f;w=1;burst=%d", float64(limiter.Limit()), limiter.Burst()))
}

// Run drops idle visitors until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.cleanup(now)
		}
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.config.CleanupInterval {
			delete(rl.visitors, key)
		}
	}
}

func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if idx := strings.Index(xff, ","); idx != -1 {
				return strings.TrimSpace(xff[:idx])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
