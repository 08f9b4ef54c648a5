package session

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

// Tracker is the shared live-session registry. Entries live on a sliding
// TTL: every Save or Touch restarts the clock. Load returns (nil, nil) for
// unknown ids; a conversation's first request has no prior state.
type Tracker interface {
	Load(ctx context.Context, id string) (*relay.SessionState, error)
	Save(ctx context.Context, st *relay.SessionState, ttl time.Duration) error
	Touch(ctx context.Context, id string, ttl time.Duration) error
	List(ctx context.Context) ([]*relay.SessionState, error)
}

type memTracked struct {
	state     relay.SessionState
	expiresAt time.Time
}

// MemoryTracker is the single-replica tracker. Expired entries are dropped
// lazily on read and in bulk by the sweeper worker.
type MemoryTracker struct {
	mu       sync.RWMutex
	sessions map[string]memTracked

	now func() time.Time
}

// NewMemoryTracker returns an empty in-process tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		sessions: make(map[string]memTracked),
		now:      time.Now,
	}
}

// Load returns a copy of the tracked state, or (nil, nil) when the id is
// unknown or expired.
func (t *MemoryTracker) Load(_ context.Context, id string) (*relay.SessionState, error) {
	t.mu.RLock()
	e, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok || t.now().After(e.expiresAt) {
		return nil, nil
	}
	return cloneState(&e.state), nil
}

// Save stores a copy of st and restarts its TTL.
func (t *MemoryTracker) Save(_ context.Context, st *relay.SessionState, ttl time.Duration) error {
	t.mu.Lock()
	t.sessions[st.ID] = memTracked{state: *cloneState(st), expiresAt: t.now().Add(ttl)}
	t.mu.Unlock()
	return nil
}

// Touch restarts the TTL of a live entry. Unknown ids are ignored.
func (t *MemoryTracker) Touch(_ context.Context, id string, ttl time.Duration) error {
	t.mu.Lock()
	if e, ok := t.sessions[id]; ok {
		e.expiresAt = t.now().Add(ttl)
		t.sessions[id] = e
	}
	t.mu.Unlock()
	return nil
}

// List returns all live sessions, most recently updated first.
func (t *MemoryTracker) List(_ context.Context) ([]*relay.SessionState, error) {
	now := t.now()
	t.mu.RLock()
	out := make([]*relay.SessionState, 0, len(t.sessions))
	for _, e := range t.sessions {
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, cloneState(&e.state))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Len reports the number of tracked sessions, expired or not.
func (t *MemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sweep drops expired entries and reports how many were removed.
func (t *MemoryTracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, e := range t.sessions {
		if now.After(e.expiresAt) {
			delete(t.sessions, id)
			n++
		}
	}
	return n
}

// cloneState copies a session state. Chain items are immutable once
// appended, so a shallow slice clone is enough.
func cloneState(st *relay.SessionState) *relay.SessionState {
	c := *st
	c.Chain = slices.Clone(st.Chain)
	return &c
}

var _ Tracker = (*MemoryTracker)(nil)
