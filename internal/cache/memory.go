package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// item carries a cached value and the wall-clock instant it stops being
// valid. Otter evicts on size and the construction TTL; the deadline
// enforces shorter per-entry lifetimes on read.
type item struct {
	val      []byte
	deadline time.Time
}

// Memory is a size-bounded in-process byte cache on otter's W-TinyLFU
// policy. The forwarder keeps accepted Codex instructions here, keyed by
// provider and model.
type Memory struct {
	inner *otter.Cache[string, item]
}

// NewMemory builds a cache holding at most capacity entries, each living
// no longer than ttl.
func NewMemory(capacity int, ttl time.Duration) (*Memory, error) {
	inner, err := otter.New[string, item](&otter.Options[string, item]{
		MaximumSize:      capacity,
		ExpiryCalculator: otter.ExpiryWriting[string, item](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Memory{inner: inner}, nil
}

// Set stores val under key for the given lifetime.
func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) {
	m.inner.Set(key, item{val: val, deadline: time.Now().Add(ttl)})
}

// Get returns the live value under key. An entry past its deadline is
// dropped on the spot.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	it, ok := m.inner.GetIfPresent(key)
	if !ok {
		return nil, false
	}
	if !time.Now().Before(it.deadline) {
		m.inner.Invalidate(key)
		return nil, false
	}
	return it.val, true
}

// Delete drops key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.inner.Invalidate(key)
}

// Purge drops every entry.
func (m *Memory) Purge(_ context.Context) {
	m.inner.InvalidateAll()
}
