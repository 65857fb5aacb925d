package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/kiln/pkg/httputil"
	"github.com/platinummonkey/kiln/pkg/identity"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns rate limits for anonymous callers
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 60,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// PerIdentityRateLimitConfig returns rate limits for signed-in callers
func PerIdentityRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 120,
		WindowDuration:    time.Minute,
		BurstSize:         20,
	}
}

// Limiter decides whether a request under key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	// Remaining is how many more requests key may make right now
	Remaining(ctx context.Context, key string) (int, error)
	// TTL is how long until key may make another request, zero when unknown
	TTL(ctx context.Context, key string) (time.Duration, error)
	Config() *RateLimitConfig
}

// RateLimiter implements in-process rate limiting with a token bucket per key
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Config returns the limiter's configuration
func (rl *RateLimiter) Config() *RateLimitConfig {
	return rl.config
}

// Allow takes a token from key's bucket. It never fails.
func (rl *RateLimiter) Allow(_ context.Context, key string) (bool, error) {
	return rl.take(key), nil
}

func (rl *RateLimiter) take(key string) bool {
	maxTokens := rl.config.RequestsPerWindow + rl.config.BurstSize

	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     maxTokens,
			lastUpdate: rl.now(),
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(b.lastUpdate)

	// Refill tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > maxTokens {
			b.tokens = maxTokens
		}
		b.lastUpdate = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(_ context.Context, key string) (int, error) {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.config.RequestsPerWindow + rl.config.BurstSize, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens, nil
}

// TTL returns the time until key's bucket gains its next token. It is zero
// while tokens remain.
func (rl *RateLimiter) TTL(_ context.Context, key string) (time.Duration, error) {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists || rl.config.RequestsPerWindow <= 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokens > 0 {
		return 0, nil
	}
	perToken := rl.config.WindowDuration / time.Duration(rl.config.RequestsPerWindow)
	wait := perToken - rl.now().Sub(b.lastUpdate)
	if wait < 0 {
		return 0, nil
	}
	return wait, nil
}

// Cleanup removes buckets idle for two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
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

// RateLimitMiddleware limits requests per identity, or per client IP for
// anonymous callers. When the primary limiters fail, the in-process
// fallback limiters decide instead.
type RateLimitMiddleware struct {
	identified Limiter
	anonymous  Limiter

	fallbackIdentified *RateLimiter
	fallbackAnonymous  *RateLimiter

	logger logrus.FieldLogger
}

// NewRateLimitMiddleware creates an in-process rate limit middleware
func NewRateLimitMiddleware(logger logrus.FieldLogger) *RateLimitMiddleware {
	identified := NewRateLimiter(PerIdentityRateLimitConfig())
	anonymous := NewRateLimiter(DefaultRateLimitConfig())
	return &RateLimitMiddleware{
		identified:         identified,
		anonymous:          anonymous,
		fallbackIdentified: identified,
		fallbackAnonymous:  anonymous,
		logger:             logger,
	}
}

// StartCleanup prunes the in-process buckets until ctx is done
func (m *RateLimitMiddleware) StartCleanup(ctx context.Context) {
	m.fallbackIdentified.StartCleanup(ctx)
	m.fallbackAnonymous.StartCleanup(ctx)
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		key := "ip:" + getClientIP(r)
		limiter, fallback := m.anonymous, m.fallbackAnonymous
		if id := identity.FromContext(ctx); id != nil {
			key = "id:" + id.ExternalID
			limiter, fallback = m.identified, m.fallbackIdentified
		}

		allowed, err := limiter.Allow(ctx, key)
		if err != nil {
			m.logger.WithError(err).Warn("rate limiter unavailable, using in-process limiter")
			limiter = fallback
			allowed, _ = fallback.Allow(ctx, key)
		}

		cfg := limiter.Config()
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerWindow))
		if remaining, err := limiter.Remaining(ctx, key); err == nil {
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(ctx, limiter, key)))
			httputil.WriteTooManyRequests(w, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds the limiter's wait up to whole seconds, falling
// back to the full window when the wait is unknown
func retryAfterSeconds(ctx context.Context, limiter Limiter, key string) int {
	wait, err := limiter.TTL(ctx, key)
	if err != nil || wait <= 0 {
		wait = limiter.Config().WindowDuration
	}
	return int(math.Ceil(wait.Seconds()))
}

func getClientIP(r *http.Request) string {
	// First hop of X-Forwarded-For when behind a proxy
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
