package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 固定窗口计数器：窗口内第一次命中时设置过期，返回当前计数与剩余窗口。
const fixedWindowLua = `
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])

local count = redis.call("INCR", key)
if count == 1 then
  redis.call("PEXPIRE", key, window_ms)
end

local ttl = redis.call("PTTL", key)
if ttl < 0 then
  redis.call("PEXPIRE", key, window_ms)
  ttl = window_ms
end

return {count, ttl}
`

// Limiter 基于 Redis 的固定窗口限流器，按 key（如客户端 IP）独立计数。
//
// 计数状态放在 Redis 中，多实例部署时共享同一套限额。
type Limiter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	max    int64
	script *redis.Script
}

// NewFixedWindowLimiter 创建限流器。max <= 0 时限流关闭。
func NewFixedWindowLimiter(rdb *redis.Client, prefix string, window time.Duration, max int64) *Limiter {
	if prefix == "" {
		prefix = "queryhub:ratelimit:default"
	}
	return &Limiter{
		rdb:    rdb,
		prefix: prefix,
		window: window,
		max:    max,
		script: redis.NewScript(fixedWindowLua),
	}
}

// Allow 报告 key 在当前窗口内是否还允许一次请求。
// 拒绝时返回距窗口重置的等待时间。
func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.max <= 0 || l.window <= 0 {
		return true, 0, nil
	}

	redisKey := l.prefix + ":" + key
	res, err := l.script.Run(ctx, l.rdb, []string{redisKey}, l.window.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit eval: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) < 2 {
		return false, 0, fmt.Errorf("ratelimit invalid result")
	}

	count := toInt64(values[0])
	ttlMs := toInt64(values[1])
	if count > l.max {
		return false, time.Duration(ttlMs) * time.Millisecond, nil
	}
	return true, 0, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if t == "" {
			return 0
		}
		if parsed, err := strconv.ParseInt(t, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}
