// Package counter provides the shared rate-limit and spend counters used by
// the quota guard and the provider selector. Counters live in a store shared
// across relay replicas; all mutations are single atomic commands so
// concurrent requests never read-modify-write.
package counter

import (
	"context"
	"time"
)

// Scope prefixes for counter keys, per the {scope}:{id}:{metric}[:{period}]
// layout.
const (
	ScopeUser     = "user"
	ScopeKey      = "key"
	ScopeOwnerAgg = "owner_key_aggregate"
	ScopeProvider = "provider"
)

// Period names used in counter keys.
const (
	Period5h      = "5h"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
	PeriodDaily   = "daily"
	PeriodTotal   = "total"
)

// SlidingResult is the outcome of an atomic sliding-window check-and-add.
type SlidingResult struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Store is the shared counter store. The Redis implementation backs
// multi-replica deployments; the Memory implementation backs single-node
// runs and tests. A (value, false, nil) return means the key is absent and
// the caller must fall through to the durable store.
type Store interface {
	// IncrByFloat adds amount to a fixed-window scalar counter, setting the
	// key to expire at expireAt when the key is new. A zero expireAt leaves
	// the key unexpired. Returns the new value.
	IncrByFloat(ctx context.Context, key string, amount float64, expireAt time.Time) (float64, error)

	// Get reads a scalar counter. ok is false when the key is absent.
	Get(ctx context.Context, key string) (val float64, ok bool, err error)

	// Set writes a scalar counter with a TTL, used to write back values
	// re-derived from the durable store.
	Set(ctx context.Context, key string, val float64, ttl time.Duration) error

	// WindowAdd appends an (timestamp, amount) entry to a rolling window.
	WindowAdd(ctx context.Context, key string, amount float64, now time.Time, window time.Duration) error

	// WindowSum trims entries older than now-window and returns the sum of
	// the remainder. ok is false when the window holds no entries.
	WindowSum(ctx context.Context, key string, now time.Time, window time.Duration) (sum float64, ok bool, err error)

	// SlidingAllow atomically checks a request-count sliding window and
	// records the request when under limit.
	SlidingAllow(ctx context.Context, key string, limit int, now time.Time, window time.Duration) (*SlidingResult, error)

	// AcquireSlot atomically increments a concurrency counter when the
	// result would not exceed limit. Returns false when the ceiling is hit.
	AcquireSlot(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error)

	// ReleaseSlot decrements a concurrency counter, flooring at zero.
	ReleaseSlot(ctx context.Context, key string, ttl time.Duration) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// SpendKey builds the monetary counter key for a scope/id/period triple.
func SpendKey(scope, id, period string) string {
	return scope + ":" + id + ":spend:" + period
}

// RPMKey builds the request-per-minute sliding window key.
func RPMKey(scope, id string) string {
	return scope + ":" + id + ":rpm"
}

// RPDKey builds the requests-per-day counter key.
func RPDKey(scope, id string) string {
	return scope + ":" + id + ":requests:" + PeriodDaily
}

// TPMKey builds the tokens-per-minute rolling window key.
func TPMKey(scope, id string) string {
	return scope + ":" + id + ":tokens:1m"
}

// ConcurrencyKey builds the concurrent-session counter key.
func ConcurrencyKey(scope, id string) string {
	return scope + ":" + id + ":sessions"
}
