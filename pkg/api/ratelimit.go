package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/a719584032-creator/testtrack/pkg/config"
)

const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitEntryTTL        = 10 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiterMap struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	rps      rate.Limit
	burst    int
}

func newRateLimiterMap(requestsPerMinute int) *rateLimiterMap {
	rps := rate.Limit(float64(requestsPerMinute) / 60.0)

	rl := &rateLimiterMap{
		limiters: make(map[string]*ipLimiter, 64),
		rps:      rps,
		burst:    requestsPerMinute, // Allow burst up to the per-minute limit.
	}

	go rl.cleanup()

	return rl
}

func (rl *rateLimiterMap) getLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.limiters[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[ip] = &ipLimiter{
			limiter:  limiter,
			lastSeen: time.Now(),
		}

		return limiter
	}

	entry.lastSeen = time.Now()

	return entry.limiter
}

func (rl *rateLimiterMap) cleanup() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()

		for ip, entry := range rl.limiters {
			if time.Since(entry.lastSeen) > rateLimitEntryTTL {
				delete(rl.limiters, ip)
			}
		}

		rl.mu.Unlock()
	}
}

// rateLimitMiddleware returns a per-IP rate limiting middleware.
func (s *server) rateLimitMiddleware(
	cfg config.RateLimitConfig,
) func(http.Handler) http.Handler {
	limiterMap := newRateLimiterMap(cfg.RequestsPerMinute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			limiter := limiterMap.getLimiter(ip)

			if !limiter.Allow() {
				writeEnvelope(w, http.StatusTooManyRequests,
					"rate limit exceeded", nil)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client's IP address from the request.
func extractIP(r *http.Request) string {
	// Check X-Forwarded-For first (common with reverse proxies).
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i, c := range xff {
			if c == ',' {
				return xff[:i]
			}
		}

		return xff
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return ip
}
