package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	relay "github.com/eugener/switchyard/internal"
	"github.com/eugener/switchyard/internal/counter"
)

// ProviderStore is the durable fallback for provider spend windows.
type ProviderStore interface {
	SumProviderSpend(ctx context.Context, providerID string, since time.Time) (float64, error)
}

// ProviderGate enforces a provider's own ceilings at selection time and
// records the usage that feeds them. The selector calls Admit only for the
// provider it actually picked, so the check-and-add counters (rpm, rpd,
// sessions) never tick for candidates that lost the draw.
type ProviderGate struct {
	counters counter.Store
	store    ProviderStore
	cfg      Config
	now      func() time.Time
}

// NewProviderGate returns a gate over the shared counter store with the
// given durable fallback.
func NewProviderGate(counters counter.Store, store ProviderStore, cfg Config) *ProviderGate {
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = defaultSlotTTL
	}
	return &ProviderGate{counters: counters, store: store, cfg: cfg, now: time.Now}
}

func providerWindows(p *relay.Provider) []limitWindow {
	var ws []limitWindow
	if p.Limit5hUSD > 0 {
		ws = append(ws, limitWindow{counter.Period5h, p.Limit5hUSD})
	}
	if p.LimitWeeklyUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodWeekly, p.LimitWeeklyUSD})
	}
	if p.LimitMonthlyUSD > 0 {
		ws = append(ws, limitWindow{counter.PeriodMonthly, p.LimitMonthlyUSD})
	}
	return ws
}

// Admit checks every configured ceiling on the provider. A denial is a
// *relay.RateLimitError with scope "provider"; the selector treats it as an
// exclusion and re-picks. The returned release func is non-nil when a
// concurrency slot was taken and must be called when the session ends.
func (g *ProviderGate) Admit(ctx context.Context, p *relay.Provider) (func(context.Context), error) {
	now := g.now()

	for _, w := range providerWindows(p) {
		spend, err := g.spend(ctx, p.ID, w.period, now)
		if err != nil {
			return nil, err
		}
		if spend >= w.limit {
			return nil, &relay.RateLimitError{
				Scope:  "provider",
				Reason: w.period + " spend limit reached",
				Err:    relay.ErrRateLimited,
			}
		}
	}

	if p.TPM > 0 {
		sum, ok, err := g.counters.WindowSum(ctx, counter.TPMKey(counter.ScopeProvider, p.ID), now, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("%w: provider tpm check: %w", relay.ErrStoreUnavailable, err)
		}
		if ok && sum >= float64(p.TPM) {
			return nil, &relay.RateLimitError{Scope: "provider", Reason: "tokens per minute", Err: relay.ErrRateLimited}
		}
	}

	if p.RPM > 0 {
		res, err := g.counters.SlidingAllow(ctx, counter.RPMKey(counter.ScopeProvider, p.ID), p.RPM, now, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("%w: provider rpm check: %w", relay.ErrStoreUnavailable, err)
		}
		if !res.Allowed {
			return nil, &relay.RateLimitError{Scope: "provider", Reason: "requests per minute", Err: relay.ErrRateLimited}
		}
	}

	if p.RPD > 0 {
		key := counter.RPDKey(counter.ScopeProvider, p.ID)
		n, err := g.counters.IncrByFloat(ctx, key, 1, windowEnd(counter.PeriodDaily, now, g.cfg.Timezone))
		if err != nil {
			return nil, fmt.Errorf("%w: provider rpd check: %w", relay.ErrStoreUnavailable, err)
		}
		if int(n) > p.RPD {
			return nil, &relay.RateLimitError{Scope: "provider", Reason: "requests per day", Err: relay.ErrRateLimited}
		}
	}

	var release func(context.Context)
	if p.LimitConcurrentSessions > 0 {
		slotKey := counter.ConcurrencyKey(counter.ScopeProvider, p.ID)
		ok, err := g.counters.AcquireSlot(ctx, slotKey, p.LimitConcurrentSessions, g.cfg.SlotTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: provider concurrency check: %w", relay.ErrStoreUnavailable, err)
		}
		if !ok {
			return nil, &relay.RateLimitError{Scope: "provider", Reason: "concurrent sessions", Err: relay.ErrRateLimited}
		}
		release = func(ctx context.Context) {
			g.counters.ReleaseSlot(ctx, slotKey, g.cfg.SlotTTL) //nolint:errcheck
		}
	}

	return release, nil
}

// spend reads one provider spend window with the same read-through contract
// as the principal windows: counter fast path, durable fallback, write-back.
func (g *ProviderGate) spend(ctx context.Context, providerID, period string, now time.Time) (float64, error) {
	key := counter.SpendKey(counter.ScopeProvider, providerID, period)

	if period == counter.Period5h {
		sum, ok, cerr := g.counters.WindowSum(ctx, key, now, rollingWindow)
		if cerr == nil && ok {
			return sum, nil
		}
		durable, err := g.store.SumProviderSpend(ctx, providerID, now.Add(-rollingWindow))
		if err != nil {
			return 0, fmt.Errorf("provider 5h spend fallback %s: %w", key, err)
		}
		if cerr == nil && durable > 0 {
			g.counters.WindowAdd(ctx, key, durable, now, rollingWindow) //nolint:errcheck
		}
		return durable, nil
	}

	val, ok, cerr := g.counters.Get(ctx, key)
	if cerr == nil && ok {
		return val, nil
	}
	durable, err := g.store.SumProviderSpend(ctx, providerID, windowStart(period, now, g.cfg.Timezone))
	if err != nil {
		return 0, fmt.Errorf("provider %s spend fallback %s: %w", period, key, err)
	}
	if cerr == nil {
		var ttl time.Duration
		if end := windowEnd(period, now, g.cfg.Timezone); !end.IsZero() {
			ttl = end.Sub(now)
		}
		g.counters.Set(ctx, key, durable, ttl) //nolint:errcheck
	}
	return durable, nil
}

// RecordUsage feeds a finished request back into the provider counters:
// full cost into the spend windows, token total into the tpm window.
// Best-effort; the caller logs failures.
func (g *ProviderGate) RecordUsage(ctx context.Context, providerID string, costUSD float64, tokens int64) error {
	now := g.now()
	var errs []error

	if costUSD > 0 {
		if err := g.counters.WindowAdd(ctx, counter.SpendKey(counter.ScopeProvider, providerID, counter.Period5h), costUSD, now, rollingWindow); err != nil {
			errs = append(errs, fmt.Errorf("provider 5h spend: %w", err))
		}
		for _, period := range []string{counter.PeriodWeekly, counter.PeriodMonthly} {
			key := counter.SpendKey(counter.ScopeProvider, providerID, period)
			if _, err := g.counters.IncrByFloat(ctx, key, costUSD, windowEnd(period, now, g.cfg.Timezone)); err != nil {
				errs = append(errs, fmt.Errorf("provider %s spend: %w", period, err))
			}
		}
	}

	if tokens > 0 {
		if err := g.counters.WindowAdd(ctx, counter.TPMKey(counter.ScopeProvider, providerID), float64(tokens), now, time.Minute); err != nil {
			errs = append(errs, fmt.Errorf("provider tpm: %w", err))
		}
	}

	return errors.Join(errs...)
}
