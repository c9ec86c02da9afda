// Package ratelimit holds the transient admission state of the API:
// token buckets for request and event rates, and the coalescing gates
// that collapse high-frequency events. Redis keeps the state shared
// across instances; without Redis every instance falls back to local
// buckets, which is correct for single-node deployments.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic token bucket check. Refills from the stored
// timestamp, caps at burst, consumes cost if available.
const tokenBucketLuaScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
    tokens = burst
    ts = now
end

local elapsed = now - ts
if elapsed < 0 then
    elapsed = 0
end
tokens = tokens + elapsed / 1000 * rate
if tokens > burst then
    tokens = burst
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)
return allowed
`

// localBucketCap bounds the fallback bucket map. The counters are
// transient; clearing the map on overflow just refills some buckets.
const localBucketCap = 8192

// Limiter is a keyed token bucket.
type Limiter struct {
	rdb    *redis.Client
	script *redis.Script
	prefix string
	rate   float64
	burst  float64
	ttl    time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	ts     time.Time
}

// NewLimiter builds a limiter refilling ratePerSec tokens up to burst.
// rdb may be nil; the limiter then runs on local buckets only.
func NewLimiter(rdb *redis.Client, prefix string, ratePerSec float64, burst int) *Limiter {
	ttl := time.Duration(float64(burst)/ratePerSec*2)*time.Second + time.Minute
	return &Limiter{
		rdb:     rdb,
		script:  redis.NewScript(tokenBucketLuaScript),
		prefix:  prefix,
		rate:    ratePerSec,
		burst:   float64(burst),
		ttl:     ttl,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for key, reporting whether it was available.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	return l.AllowN(ctx, key, 1)
}

// AllowN consumes n tokens at once. All or nothing.
func (l *Limiter) AllowN(ctx context.Context, key string, n int) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	if l.rdb != nil {
		allowed, err := l.script.Run(ctx, l.rdb,
			[]string{l.prefix + ":" + key},
			l.rate,
			l.burst,
			now.UnixMilli(),
			n,
			l.ttl.Milliseconds(),
		).Int64()
		if err == nil {
			return allowed == 1
		}
		log.Printf("[RateLimit] Redis check failed for %s, using local bucket: %v", l.prefix, err)
	}

	return l.allowLocal(key, float64(n), now)
}

func (l *Limiter) allowLocal(key string, cost float64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buckets) >= localBucketCap {
		l.buckets = make(map[string]*bucket)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, ts: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.ts).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.ts = now

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// RetryAfter estimates how long until one token is available. Used for
// the Retry-After header on 429 responses.
func (l *Limiter) RetryAfter() time.Duration {
	if l.rate <= 0 {
		return time.Second
	}
	d := time.Duration(float64(time.Second) / l.rate)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// SessionKey builds the per-session bucket key.
func SessionKey(userID, sessionID string) string {
	return fmt.Sprintf("%s:%s", userID, sessionID)
}
