package federation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter enforces a per-node hourly request budget.
type Limiter interface {
	Allow(ctx context.Context, nodeID string, perHour int) (bool, error)
}

// Budgets are kept per direction: what this node spends calling a peer
// never counts against what that peer may spend calling this node, even
// when client and server share one Limiter.
const (
	outbound = "out"
	inbound  = "in"
)

type directedLimiter struct {
	inner Limiter
	dir   string
}

func directed(l Limiter, dir string) Limiter {
	return directedLimiter{inner: l, dir: dir}
}

func (d directedLimiter) Allow(ctx context.Context, nodeID string, perHour int) (bool, error) {
	return d.inner.Allow(ctx, d.dir+":"+nodeID, perHour)
}

// LocalLimiter keeps one token bucket per node in memory. The bucket holds
// a full hour of budget and refills continuously.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*nodeBucket
	now     func() time.Time
}

type nodeBucket struct {
	perHour int
	lim     *rate.Limiter
}

func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: make(map[string]*nodeBucket), now: time.Now}
}

// Allow consumes one request from nodeID's budget. A changed perHour
// resizes the bucket without refilling it.
func (l *LocalLimiter) Allow(_ context.Context, nodeID string, perHour int) (bool, error) {
	if perHour <= 0 {
		return false, nil
	}
	l.mu.Lock()
	b, ok := l.buckets[nodeID]
	now := l.now()
	if !ok {
		b = &nodeBucket{perHour: perHour, lim: rate.NewLimiter(hourly(perHour), perHour)}
		l.buckets[nodeID] = b
	} else if b.perHour != perHour {
		b.lim.SetLimitAt(now, hourly(perHour))
		b.lim.SetBurstAt(now, perHour)
		b.perHour = perHour
	}
	l.mu.Unlock()
	return b.lim.AllowN(now, 1), nil
}

func hourly(n int) rate.Limit {
	return rate.Limit(float64(n) / time.Hour.Seconds())
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
// ARGV[5] = key expiry in seconds
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end
if tokens > capacity then
    tokens = capacity
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisLimiter shares node budgets between broker replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter backed by Redis.
func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "arbiter:federation:limit:", now: time.Now}
}

// Allow executes the Lua script to check and update the node's bucket.
func (l *RedisLimiter) Allow(ctx context.Context, nodeID string, perHour int) (bool, error) {
	if perHour <= 0 {
		return false, nil
	}
	ratePerSec := float64(perHour) / time.Hour.Seconds()
	now := float64(l.now().UnixMicro()) / 1e6
	// A bucket idle for an hour is full again, so the key can expire then.
	ttl := int(time.Hour.Seconds())

	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{l.prefix + nodeID}, ratePerSec, perHour, 1, now, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter error: %w", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("invalid response from lua script")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
