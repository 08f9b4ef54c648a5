package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// incrScript adds to a scalar counter and arms the period TTL only when the
// key is new, so repeated increments inside one window never extend it.
// KEYS[1] counter; ARGV[1] amount, ARGV[2] expire-at unix ms (0 = never).
var incrScript = redis.NewScript(`
local v = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 and redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return v
`)

// windowAddScript appends one (timestamp, amount) entry to a rolling window
// and refreshes the key TTL to the window length.
// KEYS[1] zset; ARGV[1] now ms, ARGV[2] member, ARGV[3] window ms.
var windowAddScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// windowSumScript trims entries outside the window and sums the amounts
// encoded in the remaining members. Returns {exists, sum-as-string}; the sum
// travels as a string because Lua->Redis number conversion truncates floats.
// KEYS[1] zset; ARGV[1] now ms, ARGV[2] window ms.
var windowSumScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, tonumber(ARGV[1]) - tonumber(ARGV[2]))
local entries = redis.call('ZRANGE', KEYS[1], 0, -1)
local sum = 0
for _, m in ipairs(entries) do
    local amt = string.match(m, ':([^:]+)$')
    if amt then sum = sum + tonumber(amt) end
end
return {exists, tostring(sum)}
`)

// slidingScript is a check-and-add sliding window over request timestamps.
// Returns {allowed, remaining, reset-ms}.
// KEYS[1] zset; ARGV[1] now ms, ARGV[2] window ms, ARGV[3] limit, ARGV[4] member.
var slidingScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
local count = redis.call('ZCARD', KEYS[1])
if count < limit then
    redis.call('ZADD', KEYS[1], now, ARGV[4])
    redis.call('PEXPIRE', KEYS[1], window)
    return {1, limit - count - 1, now + window}
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

// acquireScript is a bounded check-and-increment for concurrency ceilings.
// Separate read then write is exactly the race this script exists to avoid.
// KEYS[1] counter; ARGV[1] limit, ARGV[2] ttl ms.
var acquireScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur + 1 > tonumber(ARGV[1]) then
    return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// releaseScript decrements a concurrency counter without going below zero.
// KEYS[1] counter; ARGV[1] ttl ms.
var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 0 then
    redis.call('SET', KEYS[1], '0', 'PX', ARGV[1])
    return 0
end
local v = redis.call('DECR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return v
`)

// Redis is the go-redis backed counter store shared across relay replicas.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing Redis client. All keys are namespaced under
// prefix (default "sy:").
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "sy:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(k string) string { return r.prefix + k }

// IncrByFloat adds amount to a fixed-window counter, arming the TTL on first
// write.
func (r *Redis) IncrByFloat(ctx context.Context, key string, amount float64, expireAt time.Time) (float64, error) {
	var expMs int64
	if !expireAt.IsZero() {
		expMs = expireAt.UnixMilli()
	}
	res, err := incrScript.Run(ctx, r.client, []string{r.key(key)},
		formatAmount(amount), expMs).Text()
	if err != nil {
		return 0, fmt.Errorf("counter incr %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("counter incr %s: parse %q: %w", key, res, err)
	}
	return v, nil
}

// Get reads a scalar counter; ok is false when the key is absent.
func (r *Redis) Get(ctx context.Context, key string) (float64, bool, error) {
	res, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("counter get %s: %w", key, err)
	}
	v, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter get %s: parse %q: %w", key, res, err)
	}
	return v, true, nil
}

// Set writes a scalar counter with a TTL.
func (r *Redis) Set(ctx context.Context, key string, val float64, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), formatAmount(val), ttl).Err(); err != nil {
		return fmt.Errorf("counter set %s: %w", key, err)
	}
	return nil
}

// WindowAdd appends an entry to a rolling window. The member embeds a uuid
// so identical amounts recorded in the same millisecond stay distinct.
func (r *Redis) WindowAdd(ctx context.Context, key string, amount float64, now time.Time, window time.Duration) error {
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.Must(uuid.NewV7()).String() + ":" + formatAmount(amount)
	err := windowAddScript.Run(ctx, r.client, []string{r.key(key)},
		now.UnixMilli(), member, window.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("counter window add %s: %w", key, err)
	}
	return nil
}

// WindowSum trims and sums a rolling window; ok is false on a missing key.
func (r *Redis) WindowSum(ctx context.Context, key string, now time.Time, window time.Duration) (float64, bool, error) {
	res, err := windowSumScript.Run(ctx, r.client, []string{r.key(key)},
		now.UnixMilli(), window.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("counter window sum %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("counter window sum %s: unexpected reply %v", key, res)
	}
	exists, _ := res[0].(int64)
	str, _ := res[1].(string)
	sum, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter window sum %s: parse %q: %w", key, str, err)
	}
	return sum, exists == 1, nil
}

// SlidingAllow checks and records a request in one round trip.
func (r *Redis) SlidingAllow(ctx context.Context, key string, limit int, now time.Time, window time.Duration) (*SlidingResult, error) {
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.Must(uuid.NewV7()).String()
	res, err := slidingScript.Run(ctx, r.client, []string{r.key(key)},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("counter sliding %s: %w", key, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("counter sliding %s: unexpected reply %v", key, res)
	}
	return &SlidingResult{
		Allowed:   res[0] == 1,
		Remaining: int(res[1]),
		Reset:     time.UnixMilli(res[2]),
	}, nil
}

// AcquireSlot atomically takes one concurrency slot when under limit.
func (r *Redis) AcquireSlot(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, r.client, []string{r.key(key)},
		limit, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("counter acquire %s: %w", key, err)
	}
	return res == 1, nil
}

// ReleaseSlot returns one concurrency slot.
func (r *Redis) ReleaseSlot(ctx context.Context, key string, ttl time.Duration) error {
	err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("counter release %s: %w", key, err)
	}
	return nil
}

// Ping verifies connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("counter ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
