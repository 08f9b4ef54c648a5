// Package pricing resolves per-token model prices and computes request cost.
// Prices are versioned by effective date in the durable store; the newest row
// whose effective date is not in the future wins. A read-mostly cache keeps
// the finalization path off the database.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/storage"
)

// Store reads price rows from the durable store.
type Store interface {
	// GetPrice returns the newest price row for model effective at or
	// before `at`. Implementations return relay.ErrNotFound for unpriced
	// models.
	GetPrice(ctx context.Context, model string, at time.Time) (*relay.ModelPrice, error)
}

var _ Store = (storage.PriceStore)(nil)

// cacheTTL bounds how long a resolved price is served without consulting the
// store. Price edits take effect within this window.
const cacheTTL = 5 * time.Minute

// Table resolves model prices with an in-process cache in front of the store.
type Table struct {
	store Store
	cache *otter.Cache[string, *relay.ModelPrice]
	now   func() time.Time
}

// NewTable creates a price table over the given store.
func NewTable(store Store) (*Table, error) {
	cache, err := otter.New[string, *relay.ModelPrice](&otter.Options[string, *relay.ModelPrice]{
		MaximumSize:      2048,
		ExpiryCalculator: otter.ExpiryWriting[string, *relay.ModelPrice](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create price cache: %w", err)
	}
	return &Table{store: store, cache: cache, now: time.Now}, nil
}

// Lookup resolves the price for model, preferring originalModel when the
// request was redirected. Returns relay.ErrNotFound when neither model is
// priced.
func (t *Table) Lookup(ctx context.Context, originalModel, model string) (*relay.ModelPrice, error) {
	if originalModel != "" && originalModel != model {
		p, err := t.lookupOne(ctx, originalModel)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, relay.ErrNotFound) {
			return nil, err
		}
	}
	return t.lookupOne(ctx, model)
}

func (t *Table) lookupOne(ctx context.Context, model string) (*relay.ModelPrice, error) {
	if p, ok := t.cache.GetIfPresent(model); ok {
		if p == nil {
			return nil, fmt.Errorf("model %s: %w", model, relay.ErrNotFound)
		}
		return p, nil
	}
	p, err := t.store.GetPrice(ctx, model, t.now())
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			// Negative entry: unpriced models stay unpriced for a TTL
			// rather than hitting the store on every request.
			t.cache.Set(model, nil)
			return nil, fmt.Errorf("model %s: %w", model, relay.ErrNotFound)
		}
		return nil, fmt.Errorf("price lookup %s: %w", model, err)
	}
	t.cache.Set(model, p)
	return p, nil
}

// Invalidate drops all cached prices. Called after price edits.
func (t *Table) Invalidate() {
	t.cache.InvalidateAll()
}

// Cost computes the USD cost of a usage block at the given price, scaled by
// the provider cost multiplier and rounded to six decimal places.
func Cost(u relay.Usage, p *relay.ModelPrice, multiplier float64) float64 {
	if p == nil {
		return 0
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	raw := float64(u.InputTokens)*p.InputUSD +
		float64(u.OutputTokens)*p.OutputUSD +
		float64(u.CacheCreationInputTokens)*p.CacheCreationUSD +
		float64(u.CacheReadInputTokens)*p.CacheReadUSD
	return Round6(raw * multiplier)
}

// Round6 rounds a USD amount to six decimal places, the monetary precision
// used throughout counters, rows and the ledger.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
