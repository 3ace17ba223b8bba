package server

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig bounds request throughput. GlobalRPS applies to every
// request; CreateLimit caps upload session creation per client and window.
// When RedisAddr is set the per-client counters live in Redis.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	CreateLimit   int
	CreateWindow  time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *tokenBucket
	createLimit   int
	createWindow  time.Duration
	clientsMu     sync.Mutex
	clientBuckets map[string]*clientLimiter
	store         tokenStore
}

type clientLimiter struct {
	bucket   *tokenBucket
	lastSeen time.Time
}

type tokenStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		createLimit:   cfg.CreateLimit,
		createWindow:  cfg.CreateWindow,
		clientBuckets: make(map[string]*clientLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.createLimit < 0 {
		rl.createLimit = 0
	}
	if rl.createWindow <= 0 {
		rl.createWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.createLimit > 0 {
		rl.store = newRedisStore(redisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Timeout:  cfg.RedisTimeout,
		})
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowCreate charges one upload session creation to key.
func (r *rateLimiter) AllowCreate(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.createLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, "zscanner:upload-create:"+key, r.createLimit, r.createWindow)
	}
	r.clientsMu.Lock()
	limiter, exists := r.clientBuckets[key]
	if !exists {
		rate := float64(r.createLimit) / r.createWindow.Seconds()
		limiter = &clientLimiter{bucket: newTokenBucket(rate, r.createLimit)}
		r.clientBuckets[key] = limiter
	}
	limiter.lastSeen = time.Now()
	r.cleanupLocked()
	r.clientsMu.Unlock()

	if limiter.bucket.Allow() {
		return true, 0, nil
	}
	return false, limiter.bucket.RetryAfter(), nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.createWindow)
	for key, limiter := range r.clientBuckets {
		if limiter.lastSeen.Before(cutoff) {
			delete(r.clientBuckets, key)
		}
	}
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// RetryAfter reports how long until the next token is available.
func (tb *tokenBucket) RetryAfter() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	if tb.tokens >= 1 {
		return 0
	}
	wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (tb *tokenBucket) refillLocked() {
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}
