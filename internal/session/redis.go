package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	relay "github.com/eugener/switchyard/internal"
)

// RedisTracker shares live-session state across relay replicas. Entries are
// JSON values under {prefix}session:{id} expiring by TTL.
type RedisTracker struct {
	client *redis.Client
	prefix string
}

// NewRedisTracker wraps an existing Redis client. Keys are namespaced under
// prefix (default "sy:").
func NewRedisTracker(client *redis.Client, prefix string) *RedisTracker {
	if prefix == "" {
		prefix = "sy:"
	}
	return &RedisTracker{client: client, prefix: prefix}
}

func (t *RedisTracker) key(id string) string { return t.prefix + "session:" + id }

// Load returns the tracked state, or (nil, nil) when the id is unknown.
func (t *RedisTracker) Load(ctx context.Context, id string) (*relay.SessionState, error) {
	raw, err := t.client.Get(ctx, t.key(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session load %s: %w", id, err)
	}
	var st relay.SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("session load %s: decode: %w", id, err)
	}
	return &st, nil
}

// Save stores st and restarts its TTL.
func (t *RedisTracker) Save(ctx context.Context, st *relay.SessionState, ttl time.Duration) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("session save %s: encode: %w", st.ID, err)
	}
	if err := t.client.Set(ctx, t.key(st.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("session save %s: %w", st.ID, err)
	}
	return nil
}

// Touch restarts the TTL of a live entry. Unknown ids are ignored.
func (t *RedisTracker) Touch(ctx context.Context, id string, ttl time.Duration) error {
	if err := t.client.PExpire(ctx, t.key(id), ttl).Err(); err != nil {
		return fmt.Errorf("session touch %s: %w", id, err)
	}
	return nil
}

// List scans all live sessions, most recently updated first. The scan is
// cursor-based and the values fetched in one MGET; entries that expire
// between the two steps are skipped.
func (t *RedisTracker) List(ctx context.Context) ([]*relay.SessionState, error) {
	var keys []string
	iter := t.client.Scan(ctx, 0, t.prefix+"session:*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session list: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := t.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("session list: mget: %w", err)
	}
	out := make([]*relay.SessionState, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var st relay.SessionState
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			return nil, fmt.Errorf("session list: decode %s: %w", keys[i], err)
		}
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

var _ Tracker = (*RedisTracker)(nil)
