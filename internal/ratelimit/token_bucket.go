// Package ratelimit throttles job submission per dataset with a token
// bucket shared by every API replica through Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"dataset-job-orchestrator/internal/models"
)

const keyPrefix = "ratelimit:defer:"

// ErrOverCapacity is returned for a cost the bucket can never admit,
// however long it refills.
var ErrOverCapacity = errors.New("cost exceeds bucket capacity")

// Limiter admits work for several keys at once, or none. It returns the
// first key that lacked tokens, or "" when everything was admitted.
type Limiter interface {
	TakeAll(ctx context.Context, costs map[string]int) (string, error)
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

var _ Limiter = (*TokenBucket)(nil)

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow consumes a single token for the given key if available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	return b.Take(ctx, key, 1)
}

// Take consumes n tokens at once, or none. A dataset job costs one token
// per entity it carries. Returns the allowed flag and the tokens left.
func (b *TokenBucket) Take(ctx context.Context, key string, n int) (bool, float64, error) {
	allowed, _, tokens, err := b.run(ctx, []string{key}, []int{n})
	return allowed, tokens, err
}

// TakeAll consumes the cost of every key in one script run. Either all
// buckets are charged or none is.
func (b *TokenBucket) TakeAll(ctx context.Context, costs map[string]int) (string, error) {
	if len(costs) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(costs))
	for k := range costs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ns := make([]int, len(keys))
	for i, k := range keys {
		ns[i] = costs[k]
	}
	allowed, rejected, _, err := b.run(ctx, keys, ns)
	if err != nil {
		if rejected >= 0 {
			return keys[rejected], err
		}
		return "", err
	}
	if !allowed {
		return keys[rejected], nil
	}
	return "", nil
}

// run returns the allowed flag, the index of the first rejected key (-1
// when none) and the tokens left in the first bucket.
func (b *TokenBucket) run(ctx context.Context, keys []string, costs []int) (bool, int, float64, error) {
	redisKeys := make([]string, len(keys))
	args := []any{b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()}
	for i, n := range costs {
		n = max(n, 1)
		if n > b.capacity {
			return false, i, 0, fmt.Errorf("%w: %s costs %d, capacity is %d", ErrOverCapacity, keys[i], n, b.capacity)
		}
		redisKeys[i] = keyPrefix + keys[i]
		args = append(args, n)
	}
	res, err := bucketScript.Run(ctx, b.client, redisKeys, args...).Result()
	if err != nil {
		return false, -1, 0, fmt.Errorf("%w: rate limit: %v", models.ErrStoreUnavailable, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return false, -1, 0, fmt.Errorf("rate limit: unexpected reply %v", res)
	}
	allowed := arr[0].(int64) == 1
	rejected := int(arr[1].(int64)) - 1
	var tokens float64
	switch v := arr[2].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, rejected, tokens, nil
}

// KEYS are buckets, ARGV[5..] the cost per bucket in key order.
var bucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = {}
local rejected = 0
for i, key in ipairs(KEYS) do
  local data = redis.call('HMGET', key, 'tokens', 'last_ms')
  local t = tonumber(data[1])
  local last = tonumber(data[2])
  if t == nil then t = capacity end
  if last == nil then last = now end
  local delta = math.max(0, now - last)
  t = math.min(capacity, t + delta / 1000 * refill)
  if rejected == 0 and t < tonumber(ARGV[4 + i]) then rejected = i end
  tokens[i] = t
end

local allowed = 0
if rejected == 0 then allowed = 1 end

for i, key in ipairs(KEYS) do
  if allowed == 1 then tokens[i] = tokens[i] - tonumber(ARGV[4 + i]) end
  redis.call('HMSET', key, 'tokens', tokens[i], 'last_ms', now)
  if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
end
return {allowed, rejected, math.floor(tokens[1])}
`)
