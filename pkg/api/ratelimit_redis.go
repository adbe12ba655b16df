package api

import (
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agenr/agenr/pkg/faults"
)

// tokenBucketScript runs the bucket atomically in Redis so every gateway
// replica draws from the same budget.
// KEYS[1] = bucket key, ARGV = rate, capacity, cost, now (unix seconds).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is a distributed token bucket keyed per caller.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

func NewRedisLimiter(addr string, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		rps:    rps,
		burst:  burst,
	}
}

func (rl *RedisLimiter) Allow(r *http.Request, callerID string, rps float64) (bool, error) {
	limit, burst := rl.rps, rl.burst
	if rps > 0 {
		limit = rps
		if b := int(rps * 3); b > burst {
			burst = b
		}
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(r.Context(), rl.client,
		[]string{"ratelimit:" + callerID}, limit, burst, 1, now).Int64()
	if err != nil {
		return false, faults.Wrap(faults.KindTransient, err, "redis rate limit")
	}
	return res == 1, nil
}

func (rl *RedisLimiter) Close() error {
	return rl.client.Close()
}
