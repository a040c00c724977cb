package gate

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Owen-Carpenter/ai-icon-maker-server/internal/shared/config"
)

const keyPrefix = "ratelimit:"

// Limiter decides whether a key may make another request in the current
// fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisLimiter counts requests in redis so the window holds across
// process instances.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a redis-backed fixed window limiter.
func NewRedisLimiter(client redis.UniversalClient, cfg *config.RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  int64(cfg.Requests),
		window: cfg.Window,
	}
}

// Allow increments the window counter and compares against the limit.
// The first hit in a window sets the expiry.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := keyPrefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return false, err
		}
	}
	return count <= l.limit, nil
}

// MemoryLimiter is the in-process fallback when redis is unavailable.
// Counters reset on restart, so the control is soft.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int64
	length  time.Duration
	now     func() time.Time
}

type window struct {
	count   int64
	resetAt time.Time
}

// NewMemoryLimiter creates the in-process limiter.
func NewMemoryLimiter(cfg *config.RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   int64(cfg.Requests),
		length:  cfg.Window,
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.length)}
		return true, nil
	}
	w.count++
	return w.count <= l.limit, nil
}

// FallbackLimiter prefers the shared redis counter and degrades to the
// in-process one when redis errors.
type FallbackLimiter struct {
	primary  Limiter
	fallback Limiter
	logger   *zap.Logger
}

// NewLimiter builds the production limiter chain. A nil redis client
// yields the in-process limiter alone.
func NewLimiter(client redis.UniversalClient, cfg *config.RateLimitConfig, logger *zap.Logger) Limiter {
	memory := NewMemoryLimiter(cfg)
	if client == nil {
		return memory
	}
	return &FallbackLimiter{
		primary:  NewRedisLimiter(client, cfg),
		fallback: memory,
		logger:   logger,
	}
}

func (l *FallbackLimiter) Allow(ctx context.Context, key string) (bool, error) {
	allowed, err := l.primary.Allow(ctx, key)
	if err == nil {
		return allowed, nil
	}
	l.logger.Warn("redis rate limit check failed, using in-process counter", zap.Error(err))
	return l.fallback.Allow(ctx, key)
}
