// Package cache holds the relay's in-process caches: a byte cache for
// accepted Codex instructions and a read-mostly snapshot of the provider
// catalog.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque byte values under string keys. Each entry carries
// its own TTL.
type Cache interface {
	// Get returns the value under key when present and still live.
	Get(ctx context.Context, key string) ([]byte, bool)
	// Set stores val under key for the given lifetime.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration)
	// Delete drops key.
	Delete(ctx context.Context, key string)
	// Purge drops every entry.
	Purge(ctx context.Context)
}
