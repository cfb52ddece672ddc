package web

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig limits how often one IP may open conversation connections.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per IP.
	RequestsPerSecond float64
	// BurstSize is the maximum burst per IP.
	BurstSize int
	// CleanupInterval is how often idle entries are dropped.
	CleanupInterval time.Duration
	// EntryTTL is how long an idle entry is kept.
	EntryTTL time.Duration
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 5,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
		EntryTTL:          10 * time.Minute,
	}
}

type rateLimitEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPRateLimiter keeps one token bucket per client IP. It is safe for
// concurrent use.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimitEntry
	config   RateLimitConfig

	stop chan struct{}
	done chan struct{}
}

// NewIPRateLimiter creates a limiter and starts its cleanup loop.
func NewIPRateLimiter(config RateLimitConfig) *IPRateLimiter {
	d := DefaultRateLimitConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = d.RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = d.BurstSize
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = d.CleanupInterval
	}
	if config.EntryTTL <= 0 {
		config.EntryTTL = d.EntryTTL
	}
	rl := &IPRateLimiter{
		limiters: make(map[string]*rateLimitEntry),
		config:   config,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow reports whether a request from ip may proceed now.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &rateLimitEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.BurstSize),
		}
		rl.limiters[ip] = entry
	}
	entry.lastAccess = time.Now()
	return entry.limiter.Allow()
}

// Middleware rejects requests over the limit with 429.
func (rl *IPRateLimiter) Middleware(ipOf func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ipOf(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the cleanup loop.
func (rl *IPRateLimiter) Close() {
	close(rl.stop)
	<-rl.done
}

func (rl *IPRateLimiter) cleanupLoop() {
	defer close(rl.done)
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

func (rl *IPRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.config.EntryTTL)
	for ip, entry := range rl.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

// newCommandLimiter limits the commands of a single connection.
func newCommandLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
