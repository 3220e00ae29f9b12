// ratelimit.go enforces per-client request budgets, returning 429 when a
// client exceeds its requests-per-minute allowance. Budgets live in process
// memory by default, or in Redis when several replicas must share them.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle in-memory buckets are dropped
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig is applied to the whole API
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// AuthRateLimitConfig is applied to login endpoints
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// UploadRateLimitConfig is applied to plugin uploads
func UploadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// Decision is the outcome of one rate limit check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request from key may proceed
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
	// Limit is the configured requests per minute, echoed in X-RateLimit-Limit
	Limit() int
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter is an in-process token bucket limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*bucket
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
}

// NewRateLimiter creates an in-memory limiter and starts its cleanup loop
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, b := range rl.entries {
				if now.Sub(b.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimiter) refill(b *bucket, now time.Time) {
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	b.tokens = math.Min(float64(rl.config.BurstSize), b.tokens+now.Sub(b.lastUpdate).Seconds()*perSecond)
	b.lastUpdate = now
}

// Allow consumes one token for key and reports whether one was available
func (rl *RateLimiter) Allow(key string) bool {
	d, _ := rl.Take(context.Background(), key)
	return d.Allowed
}

// Take implements Limiter
func (rl *RateLimiter) Take(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.entries[key]
	if !exists {
		b = &bucket{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = b
	} else {
		rl.refill(b, now)
	}

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true, Remaining: int(b.tokens)}, nil
	}

	wait := time.Minute
	if rl.config.RequestsPerMinute > 0 {
		wait = time.Duration((1 - b.tokens) / (float64(rl.config.RequestsPerMinute) / 60.0) * float64(time.Second))
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// Limit implements Limiter
func (rl *RateLimiter) Limit() int {
	return rl.config.RequestsPerMinute
}

// RemainingTokens returns how many tokens key has without consuming one
func (rl *RateLimiter) RemainingTokens(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.entries[key]
	if !exists {
		return rl.config.BurstSize
	}
	probe := *b
	rl.refill(&probe, time.Now())
	return int(probe.tokens)
}

// RedisLimiter shares budgets across replicas using the GCRA implementation
// of redis_rate. Keys are namespaced by name so several limiters can share
// one Redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	name    string
	limit   redis_rate.Limit
}

// NewRedisClient connects to the Redis URL from security.rate_limiting.redis_url
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(rdb redis.UniversalClient, name string, config RateLimitConfig) *RedisLimiter {
	burst := config.BurstSize
	if burst < 1 {
		burst = 1
	}
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		name:    name,
		limit: redis_rate.Limit{
			Rate:   config.RequestsPerMinute,
			Burst:  burst,
			Period: time.Minute,
		},
	}
}

// Take implements Limiter
func (l *RedisLimiter) Take(ctx context.Context, key string) (Decision, error) {
	res, err := l.limiter.Allow(ctx, l.name+":"+key, l.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// Limit implements Limiter
func (l *RedisLimiter) Limit() int {
	return l.limit.Rate
}

// RateLimitMiddleware rejects requests over budget with 429. If the limiter
// itself fails (Redis unreachable) the request is let through.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		d, err := limiter.Take(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := int(math.Ceil(d.RetryAfter.Seconds()))
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey picks the bucket: user, then API key, then client IP
func getRateLimitKey(c *gin.Context) string {
	if id := c.GetString(ContextUserID); id != "" {
		return "user:" + id
	}
	if id := c.GetString(ContextAPIKeyID); id != "" {
		return "apikey:" + id
	}
	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
