package circuit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Per-provider circuit records live in one hash per provider with fields
// state, failures, last_failure, open_until, half_open_successes. Every
// script returns {state, failures, last_failure, open_until,
// half_open_successes, prev_state} so the caller sees the transition.

// stateScript applies the lazy open -> half_open transition and reads the
// record. KEYS[1] hash; ARGV[1] now ms, ARGV[2] ttl ms.
var stateScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then state = 'closed' end
if state == 'open' then
    local open_until = tonumber(redis.call('HGET', KEYS[1], 'open_until') or '0')
    if tonumber(ARGV[1]) >= open_until then
        redis.call('HSET', KEYS[1], 'state', 'half_open', 'half_open_successes', '0')
        redis.call('PEXPIRE', KEYS[1], ARGV[2])
        state = 'half_open'
    end
end
local r = redis.call('HMGET', KEYS[1], 'failures', 'last_failure', 'open_until', 'half_open_successes')
return {state, r[1] or '0', r[2] or '0', r[3] or '0', r[4] or '0', state}
`)

// failureScript counts one failure, tripping closed -> open at the threshold
// and half_open -> open immediately, both arming open_until.
// KEYS[1] hash; ARGV[1] now ms, ARGV[2] failure threshold,
// ARGV[3] open duration ms, ARGV[4] ttl ms.
var failureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local state = redis.call('HGET', KEYS[1], 'state')
if not state then state = 'closed' end
if state == 'open' and now >= tonumber(redis.call('HGET', KEYS[1], 'open_until') or '0') then
    state = 'half_open'
    redis.call('HSET', KEYS[1], 'state', 'half_open', 'half_open_successes', '0')
end
local prev = state
if state == 'half_open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'open_until', now + tonumber(ARGV[3]), 'last_failure', now, 'half_open_successes', '0')
    state = 'open'
elseif state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    redis.call('HSET', KEYS[1], 'last_failure', now)
    if failures >= tonumber(ARGV[2]) then
        redis.call('HSET', KEYS[1], 'state', 'open', 'open_until', now + tonumber(ARGV[3]), 'half_open_successes', '0')
        state = 'open'
    else
        redis.call('HSET', KEYS[1], 'state', 'closed')
    end
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
local r = redis.call('HMGET', KEYS[1], 'failures', 'last_failure', 'open_until', 'half_open_successes')
return {state, r[1] or '0', r[2] or '0', r[3] or '0', r[4] or '0', prev}
`)

// successScript counts one success; half_open closes after the configured
// run of successes. Success in closed is a no-op and in open (timer not yet
// elapsed) is ignored.
// KEYS[1] hash; ARGV[1] now ms, ARGV[2] half-open success threshold,
// ARGV[3] ttl ms.
var successScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local state = redis.call('HGET', KEYS[1], 'state')
if not state then state = 'closed' end
if state == 'open' and now >= tonumber(redis.call('HGET', KEYS[1], 'open_until') or '0') then
    state = 'half_open'
    redis.call('HSET', KEYS[1], 'state', 'half_open', 'half_open_successes', '0')
end
local prev = state
if state == 'half_open' then
    local s = redis.call('HINCRBY', KEYS[1], 'half_open_successes', 1)
    if s >= tonumber(ARGV[2]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', '0', 'half_open_successes', '0')
        state = 'closed'
    end
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local r = redis.call('HMGET', KEYS[1], 'failures', 'last_failure', 'open_until', 'half_open_successes')
return {state, r[1] or '0', r[2] or '0', r[3] or '0', r[4] or '0', prev}
`)

// RedisStore is the go-redis backed circuit store shared across replicas.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. Keys are namespaced under
// prefix (default "sy:cb:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sy:cb:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

// State reads the record, applying the lazy open -> half_open transition.
func (s *RedisStore) State(ctx context.Context, id string, _ Config, now time.Time) (Record, error) {
	res, err := stateScript.Run(ctx, s.client, []string{s.key(id)},
		now.UnixMilli(), recordTTL.Milliseconds()).StringSlice()
	if err != nil {
		return Record{}, fmt.Errorf("circuit store state %s: %w", id, err)
	}
	rec, _, err := parseRecord(res)
	return rec, err
}

// Failure counts one failure.
func (s *RedisStore) Failure(ctx context.Context, id string, cfg Config, now time.Time) (Record, State, error) {
	res, err := failureScript.Run(ctx, s.client, []string{s.key(id)},
		now.UnixMilli(), cfg.FailureThreshold, cfg.OpenDuration.Milliseconds(), recordTTL.Milliseconds()).StringSlice()
	if err != nil {
		return Record{}, StateClosed, fmt.Errorf("circuit store failure %s: %w", id, err)
	}
	rec, prev, err := parseRecord(res)
	return rec, prev, err
}

// Success counts one success.
func (s *RedisStore) Success(ctx context.Context, id string, cfg Config, now time.Time) (Record, State, error) {
	res, err := successScript.Run(ctx, s.client, []string{s.key(id)},
		now.UnixMilli(), cfg.HalfOpenSuccessThreshold, recordTTL.Milliseconds()).StringSlice()
	if err != nil {
		return Record{}, StateClosed, fmt.Errorf("circuit store success %s: %w", id, err)
	}
	rec, prev, err := parseRecord(res)
	return rec, prev, err
}

// Reset deletes the record, returning the provider to closed.
func (s *RedisStore) Reset(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("circuit store reset %s: %w", id, err)
	}
	return nil
}

func parseRecord(res []string) (Record, State, error) {
	if len(res) != 6 {
		return Record{}, StateClosed, fmt.Errorf("circuit store: unexpected reply %v", res)
	}
	failures, _ := strconv.Atoi(res[1])
	lastFailureMs, _ := strconv.ParseInt(res[2], 10, 64)
	openUntilMs, _ := strconv.ParseInt(res[3], 10, 64)
	halfOpen, _ := strconv.Atoi(res[4])
	rec := Record{
		State:             ParseState(res[0]),
		FailureCount:      failures,
		HalfOpenSuccesses: halfOpen,
	}
	if lastFailureMs > 0 {
		rec.LastFailureAt = time.UnixMilli(lastFailureMs)
	}
	if openUntilMs > 0 {
		rec.OpenUntil = time.UnixMilli(openUntilMs)
	}
	return rec, ParseState(res[5]), nil
}
