package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loancast/fundingpolicy/internal/logger"
)

var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

const redisTimeout = 2 * time.Second

// RedisLimiter shares windows across replicas. Any Redis failure falls
// back to Fallback, or allows the request when Fallback is nil.
type RedisLimiter struct {
	Client   redis.Scripter
	Window   time.Duration
	Prefix   string
	Fallback Limiter
}

// NewRedis creates a Redis limiter with an in-memory fallback
func NewRedis(client redis.Scripter, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Prefix:   "loancast:rl:",
		Fallback: NewInMemory(window),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.fallback(ctx, key, limit)
	}

	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	res, err := windowScript.Run(ctx, l.Client, []string{l.Prefix + key}, l.Window.Milliseconds()).Result()
	if err != nil {
		logger.Warn("rate limiter redis call failed, using fallback", "key", key, "error", err)
		return l.fallback(ctx, key, limit)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) < 2 {
		logger.Warn("rate limiter script returned unexpected result", "key", key, "result", res)
		return l.fallback(ctx, key, limit)
	}

	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = l.Window.Milliseconds()
	}
	return decide(int(count), limit, time.Now().UTC().Add(time.Duration(ttlMs)*time.Millisecond))
}

func (l *RedisLimiter) fallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Window)}
}
