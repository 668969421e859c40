package httpx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSlidingWindowLimiter is a sliding-window log limiter backed by a Redis
// sorted set per key, so every replica shares one view of each client.
type RedisSlidingWindowLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

// KEYS[1] = bucket, ARGV = now_ms, window_ms, limit, member.
// Returns {allowed, remaining, retry_after_ms}.
var redisSlidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return {1, limit - count - 1, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

func NewRedisSlidingWindowLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisSlidingWindowLimiter {
	if limit <= 0 {
		limit = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "rl"
	}
	return &RedisSlidingWindowLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix, now: time.Now}
}

func (rl *RedisSlidingWindowLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	nowMs := rl.now().UnixMilli()
	res, err := redisSlidingWindowScript.Run(ctx, rl.rdb,
		[]string{rl.prefix + ":" + key},
		nowMs, rl.window.Milliseconds(), rl.limit, strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Result()
	if err != nil {
		return Decision{}, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return Decision{}, fmt.Errorf("unexpected redis script result %T", res)
	}
	allowed, err := toInt64(vals[0])
	if err != nil {
		return Decision{}, err
	}
	remaining, err := toInt64(vals[1])
	if err != nil {
		return Decision{}, err
	}
	retryMs, err := toInt64(vals[2])
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		// Lua sometimes returns strings depending on Redis config/driver conversions.
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis script value type %T", v)
	}
}
