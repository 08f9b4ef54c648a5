package circuit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process circuit store used for single-node
// deployments and tests. Transition rules mirror the Redis implementation.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemoryStore returns an empty in-process circuit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

// lazyTransition applies open -> half_open when the open timer has elapsed.
func lazyTransition(r Record, now time.Time) Record {
	if r.State == StateOpen && !now.Before(r.OpenUntil) {
		r.State = StateHalfOpen
		r.HalfOpenSuccesses = 0
	}
	return r
}

// State returns the provider's record, transitioning open records whose
// timer elapsed to half_open before answering.
func (s *MemoryStore) State(_ context.Context, id string, _ Config, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := lazyTransition(s.recs[id], now)
	s.recs[id] = r
	return r, nil
}

// Failure applies one countable failure.
func (s *MemoryStore) Failure(_ context.Context, id string, cfg Config, now time.Time) (Record, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := lazyTransition(s.recs[id], now)
	prev := r.State
	switch r.State {
	case StateOpen:
		// Ignored: the provider is already sidelined.
	case StateHalfOpen:
		r.State = StateOpen
		r.OpenUntil = now.Add(cfg.OpenDuration)
		r.LastFailureAt = now
		r.HalfOpenSuccesses = 0
	case StateClosed:
		r.FailureCount++
		r.LastFailureAt = now
		if r.FailureCount >= cfg.FailureThreshold {
			r.State = StateOpen
			r.OpenUntil = now.Add(cfg.OpenDuration)
			r.HalfOpenSuccesses = 0
		}
	}
	s.recs[id] = r
	return r, prev, nil
}

// Success applies one success.
func (s *MemoryStore) Success(_ context.Context, id string, cfg Config, now time.Time) (Record, State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := lazyTransition(s.recs[id], now)
	prev := r.State
	if r.State == StateHalfOpen {
		r.HalfOpenSuccesses++
		if r.HalfOpenSuccesses >= cfg.HalfOpenSuccessThreshold {
			r.State = StateClosed
			r.FailureCount = 0
			r.HalfOpenSuccesses = 0
		}
	}
	s.recs[id] = r
	return r, prev, nil
}

// Reset clears the provider's record back to closed.
func (s *MemoryStore) Reset(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.recs, id)
	s.mu.Unlock()
	return nil
}
