package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// rateLimiter throttles webhook intake per client IP. Monitoring systems
// retry aggressively during outages, exactly when remedyd is busiest.
type rateLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
	limit       rate.Limit
	burst       int
}

func newRateLimiter(perSecond float64) *rateLimiter {
	burst := int(perSecond * 2)
	if burst < 10 {
		burst = 10
	}
	return &rateLimiter{
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
		limit:       rate.Limit(perSecond),
		burst:       burst,
	}
}

// get returns the limiter for the given IP, creating it on first sight.
func (r *rateLimiter) get(ip string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop all limiters hourly to prevent unbounded growth.
	if time.Since(r.lastCleanup) > time.Hour {
		r.limiters = make(map[string]*rate.Limiter)
		r.lastCleanup = time.Now()
	}

	limiter, ok := r.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.limiters[ip] = limiter
	}
	return limiter
}

func (r *rateLimiter) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := clientIP(c.Request())
			if !r.get(ip).Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}

// clientIP extracts the client IP, honoring proxy headers.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First IP in the comma-separated list is the original client.
		if i := strings.Index(xff, ","); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
