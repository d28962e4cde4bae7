package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter is a fixed-window limiter shared by every replica.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "ach:rate_limit"
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix}
}

// Check counts one hit against bucket/key and reports whether it is within limit.
func (r *RedisRateLimiter) Check(ctx context.Context, bucket, key string, limit int, windowSeconds int) (bool, int, error) {
	if r == nil || r.client == nil || limit <= 0 || windowSeconds <= 0 {
		return true, 0, nil
	}
	bucket = strings.TrimSpace(bucket)
	key = strings.TrimSpace(key)
	if bucket == "" || key == "" {
		return true, 0, nil
	}

	windowMs := int64(windowSeconds) * 1000
	redisKey := fmt.Sprintf("%s:%s:%s", r.prefix, bucket, key)
	rawResult, err := fixedWindowScript.Run(ctx, r.client, []string{redisKey}, windowMs).Result()
	if err != nil {
		return false, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	if count <= int64(limit) {
		return true, 0, nil
	}
	return false, retryAfterSeconds(time.Duration(ttlMs) * time.Millisecond), nil
}

func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// MemoryRateLimiter is the single-process limiter used when Redis is not
// configured.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]memoryWindow
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{now: time.Now, windows: make(map[string]memoryWindow)}
}

func (m *MemoryRateLimiter) Check(ctx context.Context, bucket, key string, limit int, windowSeconds int) (bool, int, error) {
	if limit <= 0 || windowSeconds <= 0 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := bucket + ":" + key
	w := m.windows[id]
	if !now.Before(w.resetAt) {
		w = memoryWindow{resetAt: now.Add(time.Duration(windowSeconds) * time.Second)}
	}
	w.count++
	m.windows[id] = w

	if w.count <= limit {
		return true, 0, nil
	}
	return false, retryAfterSeconds(w.resetAt.Sub(now)), nil
}
