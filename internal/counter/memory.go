package counter

import (
	"context"
	"sync"
	"time"
)

type scalarEntry struct {
	val       float64
	expiresAt time.Time // zero = no expiry
}

func (e scalarEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type windowEntry struct {
	at     time.Time
	amount float64
}

// Memory is the in-process counter store used for single-node deployments
// and tests. Semantics mirror the Redis implementation.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	scalars map[string]scalarEntry
	windows map[string][]windowEntry
	sliding map[string][]time.Time
}

// NewMemory returns an empty in-process counter store.
func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		scalars: make(map[string]scalarEntry),
		windows: make(map[string][]windowEntry),
		sliding: make(map[string][]time.Time),
	}
}

// IncrByFloat adds amount to a scalar counter, arming the TTL on first write.
func (m *Memory) IncrByFloat(_ context.Context, key string, amount float64, expireAt time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.scalars[key]
	if !ok || e.expired(m.now()) {
		e = scalarEntry{expiresAt: expireAt}
	}
	e.val += amount
	m.scalars[key] = e
	return e.val, nil
}

// Get reads a scalar counter; ok is false when absent or expired.
func (m *Memory) Get(_ context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.scalars[key]
	if !ok {
		return 0, false, nil
	}
	if e.expired(m.now()) {
		delete(m.scalars, key)
		return 0, false, nil
	}
	return e.val, true, nil
}

// Set writes a scalar counter with a TTL.
func (m *Memory) Set(_ context.Context, key string, val float64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.scalars[key] = scalarEntry{val: val, expiresAt: exp}
	return nil
}

// WindowAdd appends an entry to a rolling window.
func (m *Memory) WindowAdd(_ context.Context, key string, amount float64, now time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[key] = append(trimWindow(m.windows[key], now, window), windowEntry{at: now, amount: amount})
	return nil
}

// WindowSum trims and sums a rolling window; ok is false when no live
// entries remain (absent key and fully-expired window are the same miss).
func (m *Memory) WindowSum(_ context.Context, key string, now time.Time, window time.Duration) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := trimWindow(m.windows[key], now, window)
	if len(entries) == 0 {
		delete(m.windows, key)
		return 0, false, nil
	}
	m.windows[key] = entries
	var sum float64
	for _, e := range entries {
		sum += e.amount
	}
	return sum, true, nil
}

// SlidingAllow checks and records a request timestamp atomically.
func (m *Memory) SlidingAllow(_ context.Context, key string, limit int, now time.Time, window time.Duration) (*SlidingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-window)
	kept := m.sliding[key][:0:0]
	for _, at := range m.sliding[key] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) < limit {
		m.sliding[key] = append(kept, now)
		return &SlidingResult{
			Allowed:   true,
			Remaining: limit - len(kept) - 1,
			Reset:     now.Add(window),
		}, nil
	}
	m.sliding[key] = kept
	reset := now.Add(window)
	if len(kept) > 0 {
		reset = kept[0].Add(window)
	}
	return &SlidingResult{Allowed: false, Remaining: 0, Reset: reset}, nil
}

// AcquireSlot takes one concurrency slot when under limit.
func (m *Memory) AcquireSlot(_ context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.scalars[key]
	if !ok || e.expired(now) {
		e = scalarEntry{}
	}
	if int(e.val)+1 > limit {
		m.scalars[key] = e
		return false, nil
	}
	e.val++
	e.expiresAt = now.Add(ttl)
	m.scalars[key] = e
	return true, nil
}

// ReleaseSlot returns one concurrency slot, flooring at zero.
func (m *Memory) ReleaseSlot(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.scalars[key]
	if !ok || e.expired(now) || e.val <= 0 {
		m.scalars[key] = scalarEntry{val: 0, expiresAt: now.Add(ttl)}
		return nil
	}
	e.val--
	e.expiresAt = now.Add(ttl)
	m.scalars[key] = e
	return nil
}

// Ping always succeeds for the in-process store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op for the in-process store.
func (m *Memory) Close() error { return nil }

func trimWindow(entries []windowEntry, now time.Time, window time.Duration) []windowEntry {
	cutoff := now.Add(-window)
	kept := entries[:0:0]
	for _, e := range entries {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
