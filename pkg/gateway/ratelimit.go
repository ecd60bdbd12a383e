package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"
)

// LoginRateConfig defines rate limiting for the login endpoint
type LoginRateConfig struct {
	// AttemptsPerWindow is the max login attempts allowed in the time window
	AttemptsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultLoginRateConfig returns default login rate limit settings.
// Login is credential-guessing surface, so the budget is far tighter
// than general API traffic.
func DefaultLoginRateConfig() *LoginRateConfig {
	return &LoginRateConfig{
		AttemptsPerWindow: 10,
		WindowDuration:    time.Minute,
		BurstSize:         5,
	}
}

// LoginLimiter implements per-key rate limiting using a token bucket.
// Buckets live in memory; one gateway instance fronts one console.
type LoginLimiter struct {
	config  *LoginRateConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
}

// capacity returns the bucket size: the steady rate plus the burst allowance.
func (c *LoginRateConfig) capacity() int {
	return c.AttemptsPerWindow + c.BurstSize
}

// interval returns how long one token takes to accrue.
func (c *LoginRateConfig) interval() time.Duration {
	if c.AttemptsPerWindow <= 0 {
		return c.WindowDuration
	}
	step := c.WindowDuration / time.Duration(c.AttemptsPerWindow)
	if step <= 0 {
		step = time.Nanosecond
	}
	return step
}

type bucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	lastRefill time.Time
}

// refill credits one token per elapsed interval, capped at capacity.
// lastRefill advances by whole intervals only, so partial accrual
// carries into the next call.
func (b *bucket) refill(now time.Time, step time.Duration) {
	earned := int(now.Sub(b.lastRefill) / step)
	if earned <= 0 {
		return
	}
	b.tokens += earned
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(earned) * step)
}

// NewLoginLimiter creates a new login rate limiter
func NewLoginLimiter(config *LoginRateConfig) *LoginLimiter {
	if config == nil {
		config = DefaultLoginRateConfig()
	}

	return &LoginLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
	}
}

func (rl *LoginLimiter) bucketFor(key string) *bucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.config.capacity(),
			capacity:   rl.config.capacity(),
			lastRefill: time.Now(),
		}
		rl.buckets[key] = b
	}
	return b
}

// Allow checks if an attempt is allowed for the given key
func (rl *LoginLimiter) Allow(key string) bool {
	b := rl.bucketFor(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now(), rl.config.interval())
	if b.tokens == 0 {
		return false
	}
	b.tokens--
	return true
}

// Remaining returns the number of remaining attempts for a key
func (rl *LoginLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.config.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now(), rl.config.interval())
	return b.tokens
}

// Cleanup removes old buckets (should be called periodically)
func (rl *LoginLimiter) Cleanup() {
	cutoff := time.Now().Add(-2 * rl.config.WindowDuration)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		b.mu.Lock()
		stale := b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup starts a background goroutine to cleanup old buckets
func (rl *LoginLimiter) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(rl.config.WindowDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// clientIP extracts the caller's address, honoring proxy headers
func clientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// First hop is the client
		if idx := strings.IndexByte(forwarded, ','); idx > 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return forwarded
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	return r.RemoteAddr
}
