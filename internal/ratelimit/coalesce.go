package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for the coalescing gate. Within the interval since the
// last stored event the occurrence is suppressed and its count (plus
// anything it already absorbed) accumulates as pending; the next stored
// event picks the pending count up.
const coalesceGateLuaScript = `
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local absorbed = tonumber(ARGV[3])

local last = tonumber(redis.call("HGET", KEYS[1], "last") or "0")
if last > 0 and now - last < interval then
    redis.call("HINCRBY", KEYS[1], "pending", 1 + absorbed)
    redis.call("PEXPIRE", KEYS[1], interval * 10)
    return {0, 0}
end

local pending = tonumber(redis.call("HGET", KEYS[1], "pending") or "0")
redis.call("HSET", KEYS[1], "last", now, "pending", 0)
redis.call("PEXPIRE", KEYS[1], interval * 10)
return {1, pending}
`

// Coalescer decides, per (business, user, session, event name), whether
// a high-frequency event is stored now or folded into a neighbour.
type Coalescer struct {
	rdb    *redis.Client
	script *redis.Script

	mu    sync.Mutex
	gates map[string]*gateState
}

type gateState struct {
	last    time.Time
	pending int
}

// NewCoalescer builds the gate. rdb may be nil for local-only mode.
func NewCoalescer(rdb *redis.Client) *Coalescer {
	return &Coalescer{
		rdb:    rdb,
		script: redis.NewScript(coalesceGateLuaScript),
		gates:  make(map[string]*gateState),
	}
}

// Admit reports whether the event should be stored. absorbed is the
// count the event already carries from batch-local collapsing; carried
// is the number of previously suppressed occurrences to add to the
// stored event's coalesced_count.
func (c *Coalescer) Admit(ctx context.Context, key string, interval time.Duration, absorbed int, now time.Time) (bool, int) {
	if interval <= 0 {
		return true, 0
	}

	if c.rdb != nil {
		res, err := c.script.Run(ctx, c.rdb,
			[]string{"coal:" + key},
			now.UnixMilli(),
			interval.Milliseconds(),
			absorbed,
		).Slice()
		if err == nil && len(res) == 2 {
			stored, _ := res[0].(int64)
			pending, _ := res[1].(int64)
			return stored == 1, int(pending)
		}
		if err != nil {
			log.Printf("[Coalesce] Redis gate failed, using local gate: %v", err)
		}
	}

	return c.admitLocal(key, interval, absorbed, now)
}

func (c *Coalescer) admitLocal(key string, interval time.Duration, absorbed int, now time.Time) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.gates) >= localBucketCap {
		c.gates = make(map[string]*gateState)
	}

	g, ok := c.gates[key]
	if !ok {
		g = &gateState{}
		c.gates[key] = g
	}

	if !g.last.IsZero() && now.Sub(g.last) < interval {
		g.pending += 1 + absorbed
		return false, 0
	}

	carried := g.pending
	g.last = now
	g.pending = 0
	return true, carried
}
