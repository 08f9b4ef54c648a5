// Package circuit implements the per-provider circuit breaker. State lives in
// a store shared across relay replicas so every instance sees the same
// circuit; an in-process memo with a short TTL serves reads on the selection
// hot path. Writes always go to the shared store first.
package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/eugener/switchyard/internal"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until OpenUntil.
	StateOpen
	// StateHalfOpen admits probe traffic at reduced selection weight.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseState maps a stored state name back to a State. Unknown names read as
// closed so a corrupt record fails toward availability.
func ParseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	}
	return StateClosed
}

// Config holds circuit breaker parameters. Provider rows override any field
// they set; zero fields fall back to these defaults.
type Config struct {
	FailureThreshold         int           // countable failures to trip; resets when the circuit closes
	OpenDuration             time.Duration // time in OPEN before probing resumes
	HalfOpenSuccessThreshold int           // successes in HALF_OPEN required to close
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		OpenDuration:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

// Record is the shared-store circuit record for one provider.
type Record struct {
	State             State
	FailureCount      int
	LastFailureAt     time.Time // zero when no failure recorded
	OpenUntil         time.Time
	HalfOpenSuccesses int
}

// recordTTL bounds how long an idle circuit record survives in the shared
// store. Every write refreshes it.
const recordTTL = 24 * time.Hour

// Store persists circuit records. Every operation is a single atomic command
// against the shared store; State applies the lazy open-to-half-open
// transition before answering.
type Store interface {
	State(ctx context.Context, id string, cfg Config, now time.Time) (Record, error)
	Failure(ctx context.Context, id string, cfg Config, now time.Time) (rec Record, prev State, err error)
	Success(ctx context.Context, id string, cfg Config, now time.Time) (rec Record, prev State, err error)
	Reset(ctx context.Context, id string) error
}

type memoEntry struct {
	rec Record
	at  time.Time
}

// Breaker coordinates circuit state for all providers.
type Breaker struct {
	store        Store
	defaults     Config
	memo         *otter.Cache[string, memoEntry]
	memoTTL      time.Duration
	onTransition func(id string, from, to State)
	now          func() time.Time
}

// New creates a Breaker over the given store. memoTTL bounds the staleness
// of hot-path state reads; zero disables the memo. onTransition, when
// non-nil, fires on every observed state change (used for metrics).
func New(store Store, defaults Config, memoTTL time.Duration, onTransition func(id string, from, to State)) (*Breaker, error) {
	b := &Breaker{
		store:        store,
		defaults:     defaults,
		memoTTL:      memoTTL,
		onTransition: onTransition,
		now:          time.Now,
	}
	if memoTTL > 0 {
		memo, err := otter.New[string, memoEntry](&otter.Options[string, memoEntry]{
			MaximumSize:      4096,
			ExpiryCalculator: otter.ExpiryWriting[string, memoEntry](memoTTL),
		})
		if err != nil {
			return nil, fmt.Errorf("create circuit memo: %w", err)
		}
		b.memo = memo
	}
	return b, nil
}

// ConfigFor resolves the effective circuit config for a provider: row
// overrides on top of the defaults. Chain items report the resolved
// threshold, not the raw row value.
func (b *Breaker) ConfigFor(p *relay.Provider) Config {
	cfg := b.defaults
	if p.FailureThreshold > 0 {
		cfg.FailureThreshold = p.FailureThreshold
	}
	if p.OpenDurationMs > 0 {
		cfg.OpenDuration = time.Duration(p.OpenDurationMs) * time.Millisecond
	}
	if p.HalfOpenSuccessThreshold > 0 {
		cfg.HalfOpenSuccessThreshold = p.HalfOpenSuccessThreshold
	}
	return cfg
}

// State returns the provider's circuit record, serving from the memo when
// fresh. The lazy open-to-half-open transition happens in the store.
func (b *Breaker) State(ctx context.Context, p *relay.Provider) (Record, error) {
	now := b.now()
	if b.memo != nil {
		if e, ok := b.memo.GetIfPresent(p.ID); ok {
			// An open record may have aged into half-open since it was
			// memoized; apply the transition locally rather than serving a
			// stale rejection.
			if e.rec.State == StateOpen && !now.Before(e.rec.OpenUntil) {
				b.memo.Invalidate(p.ID)
			} else {
				return e.rec, nil
			}
		}
	}
	rec, err := b.store.State(ctx, p.ID, b.ConfigFor(p), now)
	if err != nil {
		return Record{}, fmt.Errorf("circuit state %s: %w", p.ID, err)
	}
	if b.memo != nil {
		b.memo.Set(p.ID, memoEntry{rec: rec, at: now})
	}
	return rec, nil
}

// RecordFailure counts one failure against the provider and returns the
// updated record (the chain item captures its counters).
func (b *Breaker) RecordFailure(ctx context.Context, p *relay.Provider) (Record, error) {
	now := b.now()
	rec, prev, err := b.store.Failure(ctx, p.ID, b.ConfigFor(p), now)
	if err != nil {
		return Record{}, fmt.Errorf("circuit failure %s: %w", p.ID, err)
	}
	b.afterWrite(p.ID, prev, rec)
	return rec, nil
}

// RecordSuccess counts one success for the provider.
func (b *Breaker) RecordSuccess(ctx context.Context, p *relay.Provider) (Record, error) {
	now := b.now()
	rec, prev, err := b.store.Success(ctx, p.ID, b.ConfigFor(p), now)
	if err != nil {
		return Record{}, fmt.Errorf("circuit success %s: %w", p.ID, err)
	}
	b.afterWrite(p.ID, prev, rec)
	return rec, nil
}

// Reset clears the provider's circuit record back to closed. Exposed for
// manual operation.
func (b *Breaker) Reset(ctx context.Context, id string) error {
	if err := b.store.Reset(ctx, id); err != nil {
		return fmt.Errorf("circuit reset %s: %w", id, err)
	}
	if b.memo != nil {
		b.memo.Invalidate(id)
	}
	return nil
}

func (b *Breaker) afterWrite(id string, prev State, rec Record) {
	if b.memo != nil {
		b.memo.Invalidate(id)
	}
	if prev != rec.State && b.onTransition != nil {
		b.onTransition(id, prev, rec.State)
	}
}
