package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiter_AllowWithinLimit(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewFixedWindowLimiter(rdb, "test:ratelimit:within", time.Minute, 3)
	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(context.Background(), "1.2.3.4")
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestLimiter_RejectsOverLimit(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewFixedWindowLimiter(rdb, "test:ratelimit:over", time.Minute, 2)
	for i := 0; i < 2; i++ {
		if allowed, _, err := limiter.Allow(context.Background(), "1.2.3.4"); err != nil || !allowed {
			t.Fatalf("warmup %d: allowed=%v err=%v", i, allowed, err)
		}
	}

	allowed, retryAfter, err := limiter.Allow(context.Background(), "1.2.3.4")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("third request should be rejected")
	}
	if retryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", retryAfter)
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	rdb := newMiniRedis(t)
	defer closeRedis(t, rdb)

	limiter := NewFixedWindowLimiter(rdb, "test:ratelimit:keys", time.Minute, 1)
	if allowed, _, _ := limiter.Allow(context.Background(), "1.1.1.1"); !allowed {
		t.Fatalf("first key should be allowed")
	}
	if allowed, _, _ := limiter.Allow(context.Background(), "1.1.1.1"); allowed {
		t.Fatalf("first key should now be limited")
	}
	if allowed, _, _ := limiter.Allow(context.Background(), "2.2.2.2"); !allowed {
		t.Fatalf("second key should not be affected")
	}
}

func TestLimiter_WindowResets(t *testing.T) {
	rdb, mr := newMiniRedisWithServer(t)
	defer closeRedis(t, rdb)

	limiter := NewFixedWindowLimiter(rdb, "test:ratelimit:reset", 100*time.Millisecond, 1)
	if allowed, _, _ := limiter.Allow(context.Background(), "k"); !allowed {
		t.Fatalf("first request should pass")
	}
	if allowed, _, _ := limiter.Allow(context.Background(), "k"); allowed {
		t.Fatalf("second request should be limited")
	}

	mr.FastForward(150 * time.Millisecond)

	if allowed, _, _ := limiter.Allow(context.Background(), "k"); !allowed {
		t.Fatalf("request after window reset should pass")
	}
}

func TestLimiter_DisabledWhenMaxZero(t *testing.T) {
	limiter := NewFixedWindowLimiter(nil, "test:ratelimit:off", time.Minute, 0)
	for i := 0; i < 10; i++ {
		allowed, _, err := limiter.Allow(context.Background(), "any")
		if err != nil || !allowed {
			t.Fatalf("disabled limiter must always allow")
		}
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb, _ := newMiniRedisWithServer(t)
	return rdb
}

func newMiniRedisWithServer(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	return redis.NewClient(&redis.Options{Addr: s.Addr()}), s
}

func closeRedis(t *testing.T, rdb *redis.Client) {
	t.Helper()
	if err := rdb.Close(); err != nil {
		t.Fatalf("close redis: %v", err)
	}
}
